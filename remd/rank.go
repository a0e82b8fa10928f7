package remd

import "fmt"

// Role is a rank's position within its device group.
type Role string

const (
	// RoleLeader is the lowest ordinal bound to a device.
	RoleLeader Role = "leader"
	// RoleWorker is every other rank on the device.
	RoleWorker Role = "worker"
)

// GlobalLeaderOrdinal is the sole writer of the shared DataStore.
const GlobalLeaderOrdinal = 0

// RankContext identifies this process within the rank group. It is built once
// at process entry from the runtime's environment and passed down explicitly.
type RankContext struct {
	Ordinal   int // assigned by the process runtime, 0-based
	WorldSize int // number of ranks the runtime started; 0 if unknown
}

// IsGlobalLeader reports whether this rank owns DataStore writes.
func (rc RankContext) IsGlobalLeader() bool {
	return rc.Ordinal == GlobalLeaderOrdinal
}

func (rc RankContext) String() string {
	if rc.WorldSize > 0 {
		return fmt.Sprintf("rank %d/%d", rc.Ordinal, rc.WorldSize)
	}
	return fmt.Sprintf("rank %d", rc.Ordinal)
}

// Assignment is the device binding and role derived for one ordinal.
type Assignment struct {
	Ordinal     int
	DeviceIndex int
	Device      DeviceID
	Role        Role
}

// IsGlobalLeader reports whether the assignment belongs to ordinal 0.
func (a Assignment) IsGlobalLeader() bool { return a.Ordinal == GlobalLeaderOrdinal }

// Assign maps ordinal to its device and role:
//
//	deviceIndex = (ordinal / ranksPerDevice) mod len(devices)
//	role        = leader iff ordinal mod ranksPerDevice == 0
//
// Ranks sharing a device group are ordered by ordinal, so the smallest ordinal
// in each group is its leader. When TotalRanks exceeds capacity (oversubscribed)
// the modulo wraps surplus groups round-robin onto the device list.
func Assign(ordinal int, cfg RunConfig) (Assignment, error) {
	if ordinal < 0 || ordinal >= cfg.TotalRanks {
		return Assignment{}, &ConfigurationError{Field: "rank",
			Reason: fmt.Sprintf("ordinal %d outside [0, %d)", ordinal, cfg.TotalRanks)}
	}
	if len(cfg.Devices) == 0 || cfg.RanksPerDevice < 1 {
		return Assignment{}, &ConfigurationError{Field: "devices", Reason: "unresolved configuration"}
	}
	idx := (ordinal / cfg.RanksPerDevice) % len(cfg.Devices)
	role := RoleWorker
	if ordinal%cfg.RanksPerDevice == 0 {
		role = RoleLeader
	}
	return Assignment{
		Ordinal:     ordinal,
		DeviceIndex: idx,
		Device:      cfg.Devices[idx],
		Role:        role,
	}, nil
}

// AssignAll returns the assignment of every ordinal in [0, TotalRanks).
func AssignAll(cfg RunConfig) ([]Assignment, error) {
	out := make([]Assignment, 0, cfg.TotalRanks)
	for i := 0; i < cfg.TotalRanks; i++ {
		a, err := Assign(i, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// OwnsRotation reports whether the rank should run the checkpoint rotation
// timer under cfg.RotationOwner.
func OwnsRotation(a Assignment, cfg RunConfig) bool {
	switch cfg.RotationOwner {
	case RotateDeviceLeaders:
		return a.Role == RoleLeader
	default:
		return a.IsGlobalLeader()
	}
}
