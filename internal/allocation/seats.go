package allocation

import (
	"context"
	"fmt"

	"hike-coordinator/internal/models"
	"hike-coordinator/internal/repository"
)

// LoadSeats reads the seat counts of every vehicle the driver requests use.
func LoadSeats(ctx context.Context, vehicles repository.VehicleRepository, requests []models.TransportRequest) (map[int64]int, error) {
	var ids []int64
	for _, r := range requests {
		if r.Kind == models.TransportDriver && r.VehicleID != nil {
			ids = append(ids, *r.VehicleID)
		}
	}
	seats := make(map[int64]int, len(ids))
	if len(ids) == 0 {
		return seats, nil
	}
	list, err := vehicles.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load vehicles: %w", err)
	}
	for _, v := range list {
		seats[v.ID] = v.SeatCount
	}
	return seats, nil
}
