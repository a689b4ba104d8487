package models

import (
	"strings"
	"time"
)

// Coord is a WGS84 position in decimal degrees.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies inside the lat/lon domain.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Place is a coordinate with its human readable address.
type Place struct {
	Coord   Coord  `json:"coord"`
	Address string `json:"address"`
}

type Role string

const (
	RoleRider    Role = "rider"
	RoleDriver   Role = "driver"
	RoleOperator Role = "operator"
)

// ParseRole accepts the role names used by credentials. "passenger" and
// "admin" are accepted as aliases issued by older token services.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rider", "passenger":
		return RoleRider, true
	case "driver":
		return RoleDriver, true
	case "operator", "admin":
		return RoleOperator, true
	}
	return "", false
}

type VehicleClass string

const (
	VehicleSedan     VehicleClass = "sedan"
	VehicleSUV       VehicleClass = "suv"
	VehicleHatchback VehicleClass = "hatchback"
	VehicleLuxury    VehicleClass = "luxury"
	VehicleEconomy   VehicleClass = "economy"
	VehicleBike      VehicleClass = "bike"
	VehicleAuto      VehicleClass = "auto"
)

func (v VehicleClass) Valid() bool {
	switch v {
	case VehicleSedan, VehicleSUV, VehicleHatchback, VehicleLuxury, VehicleEconomy, VehicleBike, VehicleAuto:
		return true
	}
	return false
}

// DriverLocation is the live position record of one online driver.
type DriverLocation struct {
	DriverID     string       `json:"driver_id"`
	Loc          Coord        `json:"loc"`
	Heading      float64      `json:"heading"`
	Speed        float64      `json:"speed"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Available    bool         `json:"available"`
	Reported     time.Time    `json:"reported"` // client clock, kept for staleness only
	Updated      time.Time    `json:"updated"`  // server arrival time
}

// Actor identifies who performs a mutating action on a ride.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
