package realtime

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// comparable
// ulids are ordered by create time, so client ids sort by connect order
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

// accepts the dashed uuid form and the 32 character hex form
func ParseId(idStr string) (Id, error) {
	u, err := uuid.Parse(idStr)
	if err != nil {
		return Id{}, fmt.Errorf("cannot parse id %s: %w", idStr, err)
	}
	return Id(u), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(b Id) bool {
	for i, v := range self {
		if v < b[i] {
			return true
		}
		if b[i] < v {
			return false
		}
	}
	return false
}

func (self Id) String() string {
	return uuid.UUID(self).String()
}

func (self Id) MarshalText() ([]byte, error) {
	return []byte(self.String()), nil
}

func (self *Id) UnmarshalText(src []byte) error {
	id, err := ParseId(string(src))
	if err != nil {
		return err
	}
	*self = id
	return nil
}
