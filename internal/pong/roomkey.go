package pong

import (
	"errors"
	"fmt"
	"strconv"
)

// Variant selects which flavour of session a room key addresses.
type Variant string

const (
	VariantHeadToHead Variant = "head_to_head"
	VariantTournament Variant = "tournament"
	// VariantLegacy relays client-reported ball state and keeps the old
	// speed/angle fields plus the reset line.
	VariantLegacy Variant = "legacy"
)

var ErrInvalidRoomKey = errors.New("INVALID_ROOM_KEY: Room key is invalid")

// RoomKey scopes one match session. It is comparable and used directly as a
// map key, so a tournament split never collides with the head-to-head
// session of the same room.
type RoomKey struct {
	Variant Variant
	RoomID  int64
	SplitID int // only meaningful for VariantTournament
}

func HeadToHeadKey(roomID int64) RoomKey {
	return RoomKey{Variant: VariantHeadToHead, RoomID: roomID}
}

func TournamentKey(roomID int64, splitID int) RoomKey {
	return RoomKey{Variant: VariantTournament, RoomID: roomID, SplitID: splitID}
}

func LegacyKey(roomID int64) RoomKey {
	return RoomKey{Variant: VariantLegacy, RoomID: roomID}
}

// String renders the key the way clients and logs refer to it: "5", "5_2"
// or "legacy_5".
func (k RoomKey) String() string {
	switch k.Variant {
	case VariantTournament:
		return fmt.Sprintf("%d_%d", k.RoomID, k.SplitID)
	case VariantLegacy:
		return fmt.Sprintf("legacy_%d", k.RoomID)
	default:
		return strconv.FormatInt(k.RoomID, 10)
	}
}

// IsTournament reports whether the key addresses a bracket split.
func (k RoomKey) IsTournament() bool {
	return k.Variant == VariantTournament
}

// Validate checks the identifiers carried by the key.
func (k RoomKey) Validate() error {
	if k.RoomID < 1 {
		return fmt.Errorf("%w: room id must be positive", ErrInvalidRoomKey)
	}
	switch k.Variant {
	case VariantHeadToHead, VariantLegacy:
		if k.SplitID != 0 {
			return fmt.Errorf("%w: split id only valid for tournaments", ErrInvalidRoomKey)
		}
	case VariantTournament:
		if k.SplitID < 1 {
			return fmt.Errorf("%w: split id must be positive", ErrInvalidRoomKey)
		}
	default:
		return fmt.Errorf("%w: unknown variant %q", ErrInvalidRoomKey, k.Variant)
	}
	return nil
}

// ParseRoomKey builds a key from the raw path segments of a connect request.
// splitID is ignored unless the variant is a tournament.
func ParseRoomKey(variant Variant, roomID, splitID string) (RoomKey, error) {
	id, err := strconv.ParseInt(roomID, 10, 64)
	if err != nil {
		return RoomKey{}, fmt.Errorf("%w: room id %q", ErrInvalidRoomKey, roomID)
	}

	key := RoomKey{Variant: variant, RoomID: id}
	if variant == VariantTournament {
		split, err := strconv.Atoi(splitID)
		if err != nil {
			return RoomKey{}, fmt.Errorf("%w: split id %q", ErrInvalidRoomKey, splitID)
		}
		key.SplitID = split
	}

	if err := key.Validate(); err != nil {
		return RoomKey{}, err
	}
	return key, nil
}
