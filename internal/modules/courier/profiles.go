package courier

import (
	"context"

	"foodrelay/internal/types"
)

// StaticProfiles serves profiles from a fixed map. Unknown couriers get a
// profile carrying only their id.
type StaticProfiles map[types.ID]Profile

func (p StaticProfiles) GetCourierProfile(_ context.Context, id types.ID) (Profile, error) {
	if prof, ok := p[id]; ok {
		return prof, nil
	}
	return Profile{ID: id, DisplayName: string(id)}, nil
}
