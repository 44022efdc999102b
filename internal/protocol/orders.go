package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseOrders decodes the order form used by operators: one "Name,argument"
// pair per line. Blank lines are ignored; anything else that does not parse
// rejects the whole batch.
func ParseOrders(text string) ([]Command, error) {
	var out []Command
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" {
			continue
		}
		name, arg, ok := strings.Cut(line, ",")
		if !ok {
			return nil, MalformedInput("parse orders", fmt.Errorf("line %d: expected Name,argument: %q", i+1, line))
		}
		n, ok := ParseCommandName(strings.TrimSpace(name))
		if !ok {
			return nil, MalformedInput("parse orders", fmt.Errorf("line %d: unknown command %q", i+1, name))
		}
		v, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil || v < 0 {
			return nil, MalformedInput("parse orders", fmt.Errorf("line %d: bad argument %q", i+1, arg))
		}
		out = append(out, NewCommand(n, v))
	}
	return out, nil
}
