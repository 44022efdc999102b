package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CommandName is the closed vocabulary understood by the robot firmware
// (primitives) plus the server-side macros.
type CommandName int

const (
	Up CommandName = iota + 1
	Down
	Left
	Right
	Forward
	ForwardDig
	Sleep
	Reboot
	RefuelCheck
	DepositItem

	// Macros, resolved at dispatch time.
	Home
	MinePlot
)

var commandNames = map[CommandName]string{
	Up:          "Up",
	Down:        "Down",
	Left:        "Left",
	Right:       "Right",
	Forward:     "Forward",
	ForwardDig:  "ForwardDig",
	Sleep:       "Sleep",
	Reboot:      "Reboot",
	RefuelCheck: "RefuelCheck",
	DepositItem: "DepositItem",
	Home:        "Home",
	MinePlot:    "MinePlot",
}

var commandByName = func() map[string]CommandName {
	m := make(map[string]CommandName, len(commandNames))
	for k, v := range commandNames {
		m[v] = k
	}
	return m
}()

func (n CommandName) String() string {
	if s, ok := commandNames[n]; ok {
		return s
	}
	return "CommandName(" + strconv.Itoa(int(n)) + ")"
}

func (n CommandName) Valid() bool {
	_, ok := commandNames[n]
	return ok
}

// IsMacro reports whether the command is expanded server-side instead of
// being sent to the robot.
func (n CommandName) IsMacro() bool { return n == Home || n == MinePlot }

// ParseCommandName is case-sensitive, like the firmware.
func ParseCommandName(s string) (CommandName, bool) {
	n, ok := commandByName[s]
	return n, ok
}

func (n CommandName) MarshalJSON() ([]byte, error) {
	if !n.Valid() {
		return nil, fmt.Errorf("marshal command name: invalid value %d", int(n))
	}
	return json.Marshal(n.String())
}

func (n *CommandName) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, ok := ParseCommandName(s)
	if !ok {
		return fmt.Errorf("unknown command name %q", s)
	}
	*n = v
	return nil
}

type Command struct {
	Name     CommandName `json:"name"`
	Argument int         `json:"argument"`
}

func NewCommand(name CommandName, arg int) Command {
	return Command{Name: name, Argument: arg}
}

// String renders the wire token, e.g. "Forward(4)".
func (c Command) String() string {
	return c.Name.String() + "(" + strconv.Itoa(c.Argument) + ")"
}

// FormatCommands renders a batch in the newline separated text format
// executed by the turtle firmware.
func FormatCommands(cmds []Command) string {
	var b strings.Builder
	for i, c := range cmds {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(c.String())
	}
	return b.String()
}

// ParseCommands is the inverse of FormatCommands.
func ParseCommands(text string) ([]Command, error) {
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	out := make([]Command, 0, len(lines))
	for i, tok := range lines {
		name, rest, ok := strings.Cut(tok, "(")
		if !ok || !strings.HasSuffix(rest, ")") {
			return nil, MalformedInput("parse commands", fmt.Errorf("line %d: expected Name(argument): %q", i+1, tok))
		}
		n, ok := ParseCommandName(name)
		if !ok {
			return nil, MalformedInput("parse commands", fmt.Errorf("line %d: unknown command %q", i+1, name))
		}
		v, err := strconv.Atoi(strings.TrimSuffix(rest, ")"))
		if err != nil {
			return nil, MalformedInput("parse commands", fmt.Errorf("line %d: bad argument %q", i+1, rest))
		}
		out = append(out, NewCommand(n, v))
	}
	return out, nil
}
