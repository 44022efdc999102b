package pose

import (
	"encoding/json"
	"fmt"
	"strings"

	"turtlecraft.ai/internal/protocol"
)

// Direction ordinals follow the clockwise rotation order N, E, S, W.
type Direction int

const (
	North Direction = iota
	East
	South
	West
)

var directionNames = [...]string{"North", "East", "South", "West"}

func (d Direction) String() string {
	if d < North || d > West {
		return fmt.Sprintf("Direction(%d)", int(d))
	}
	return directionNames[d]
}

func ParseDirection(s string) (Direction, error) {
	for i, n := range directionNames {
		if strings.EqualFold(n, strings.TrimSpace(s)) {
			return Direction(i), nil
		}
	}
	return North, fmt.Errorf("unknown direction %q", s)
}

// Turn rotates clockwise by n quarter turns (counter-clockwise when n < 0).
func (d Direction) Turn(n int) Direction {
	return Direction(((int(d)+n)%4 + 4) % 4)
}

func (d Direction) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Direction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseDirection(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d *Direction) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseDirection(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// RotateTo is the rotation rule deployed robots were written against: the
// raw ordinal difference, Right when positive and Left otherwise. West to
// North is therefore Left(3), not Right(1). cur is updated to want.
func RotateTo(cur *Direction, want Direction) (protocol.Command, bool) {
	if *cur == want {
		return protocol.Command{}, false
	}
	diff := int(want) - int(*cur)
	*cur = want
	if diff > 0 {
		return protocol.NewCommand(protocol.Right, diff), true
	}
	return protocol.NewCommand(protocol.Left, -diff), true
}

// RotateShortest turns at most twice, preferring Right on a half turn.
func RotateShortest(cur *Direction, want Direction) (protocol.Command, bool) {
	if *cur == want {
		return protocol.Command{}, false
	}
	diff := ((int(want)-int(*cur))%4 + 4) % 4
	*cur = want
	if diff == 3 {
		return protocol.NewCommand(protocol.Left, 1), true
	}
	return protocol.NewCommand(protocol.Right, diff), true
}
