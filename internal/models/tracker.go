package models

import "time"

// Категории транспорта, к которому привязан трекер.
type VehicleCategory string

const (
	VehicleCar    VehicleCategory = "car"
	VehicleBus    VehicleCategory = "bus"
	VehicleTruck  VehicleCategory = "truck"
	VehicleScooty VehicleCategory = "scooty"
	VehicleBike   VehicleCategory = "bike"

	DefaultVehicleCategory = VehicleCar
)

func (c VehicleCategory) Valid() bool {
	switch c {
	case VehicleCar, VehicleBus, VehicleTruck, VehicleScooty, VehicleBike:
		return true
	}
	return false
}

type Tracker struct {
	ID          uint64          `json:"id"`
	DeviceID    string          `json:"deviceId"`
	ClaimSecret string          `json:"-"`
	OwnerID     *string         `json:"ownerId,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	Category    VehicleCategory `json:"category"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Claimed reports whether ownership has already been bound.
func (t *Tracker) Claimed() bool {
	return t.OwnerID != nil && *t.OwnerID != ""
}

// OwnedBy reports whether accountID is the tracker's owner.
func (t *Tracker) OwnedBy(accountID string) bool {
	return t.Claimed() && accountID != "" && *t.OwnerID == accountID
}

type TrackerCreateInput struct {
	DeviceID    string
	ClaimSecret string
	DisplayName string
	Category    VehicleCategory
}

type ClaimInput struct {
	DeviceID    string
	ClaimSecret string
	AccountID   string

	// Применяются только при первом успешном claim.
	DisplayName string
	Category    VehicleCategory
}
