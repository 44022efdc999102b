package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"

	"turtlecraft.ai/internal/persistence/docstore"
	"turtlecraft.ai/internal/protocol"
	"turtlecraft.ai/internal/sim/tuning"
)

// FirstPollReply is sent to a robot the server has never seen. Its record is
// created and the real dispatch starts on the next poll.
const FirstPollReply = "sleep(2)"

// Collection is the subset of the document store the service uses for
// turtle records.
type Collection interface {
	FindOne(ctx context.Context, f docstore.Filter, out any) (bool, error)
	Find(ctx context.Context, f docstore.Filter, fn func(raw json.RawMessage) error) error
	UpdateOne(ctx context.Context, f docstore.Filter, set docstore.Set) (int64, error)
	ReplaceOne(ctx context.Context, f docstore.Filter, doc any) (int64, error)
	InsertOne(ctx context.Context, doc any) error
}

// Sink receives an event after every successful dispatch. Implementations
// must not block.
type Sink interface {
	Publish(ev Event)
}

type Sinks []Sink

func (s Sinks) Publish(ev Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(ev)
		}
	}
}

type Stats struct {
	Polls          uint64 `json:"polls"`
	NewTurtles     uint64 `json:"new_turtles"`
	Dispatches     uint64 `json:"dispatches"`
	DispatchErrors uint64 `json:"dispatch_errors"`
	Interrupts     uint64 `json:"interrupts"`
}

// Service owns the turtle records. Requests for the same turtle are
// serialized; different turtles proceed in parallel.
type Service struct {
	turtles Collection
	d       *Dispatcher
	tuning  tuning.Tuning
	sink    Sink
	logger  *log.Logger
	locks   keyedMutex

	polls          atomic.Uint64
	newTurtles     atomic.Uint64
	dispatches     atomic.Uint64
	dispatchErrors atomic.Uint64
	interrupts     atomic.Uint64
}

func NewService(turtles Collection, d *Dispatcher, sink Sink, logger *log.Logger) *Service {
	return &Service{
		turtles: turtles,
		d:       d,
		tuning:  d.tuning,
		sink:    sink,
		logger:  logger,
	}
}

// Poll runs one dispatch for name and returns the command text to send back.
func (s *Service) Poll(ctx context.Context, name string) (string, error) {
	s.polls.Add(1)
	unlock := s.locks.Lock(name)
	defer unlock()

	var t Turtle
	found, err := s.turtles.FindOne(ctx, docstore.Filter{"name": name}, &t)
	if err != nil {
		s.dispatchErrors.Add(1)
		return "", fmt.Errorf("poll %s: %w", name, err)
	}
	if !found {
		if err := s.turtles.InsertOne(ctx, NewTurtle(name, s.tuning)); err != nil {
			s.dispatchErrors.Add(1)
			return "", fmt.Errorf("register %s: %w", name, err)
		}
		s.newTurtles.Add(1)
		s.printf("turtle %s registered", name)
		return FirstPollReply, nil
	}
	if t.Infos == nil {
		t.Infos = map[string]string{}
	}

	ev, err := s.d.dispatch(ctx, &t)
	if err != nil {
		s.dispatchErrors.Add(1)
		return "", err
	}
	if _, err := s.turtles.ReplaceOne(ctx, docstore.Filter{"name": name}, t); err != nil {
		s.dispatchErrors.Add(1)
		return "", fmt.Errorf("save %s: %w", name, err)
	}

	s.dispatches.Add(1)
	if ev.Interrupt != InterruptNone {
		s.interrupts.Add(1)
		s.printf("turtle %s interrupt=%s", name, ev.Interrupt)
	}
	s.printf("poll turtle=%s cmds=%d pos=%s", name, ev.Count, ev.After)
	if s.sink != nil {
		s.sink.Publish(ev)
	}
	return ev.Commands, nil
}

// SetOrders replaces the pending queue. found is false for unknown turtles.
func (s *Service) SetOrders(ctx context.Context, name string, orders []protocol.Command) (bool, error) {
	if orders == nil {
		orders = []protocol.Command{}
	}
	unlock := s.locks.Lock(name)
	defer unlock()
	n, err := s.turtles.UpdateOne(ctx, docstore.Filter{"name": name}, docstore.Set{"orders": orders})
	if err != nil {
		return false, fmt.Errorf("set orders of %s: %w", name, err)
	}
	return n == 1, nil
}

// SetInfo writes one blackboard topic, leaving the others untouched. Topics
// are free-form apart from `"` and `\`.
func (s *Service) SetInfo(ctx context.Context, name, topic, value string) (bool, error) {
	key, err := docstore.Path("infos", topic)
	if err != nil {
		return false, protocol.MalformedInput("set info", err)
	}
	if topic == TopicFuelLevel {
		if _, err := ParseFuelLevel(value); err != nil {
			return false, err
		}
	}
	unlock := s.locks.Lock(name)
	defer unlock()
	n, err := s.turtles.UpdateOne(ctx, docstore.Filter{"name": name}, docstore.Set{key: value})
	if err != nil {
		return false, fmt.Errorf("set info %s of %s: %w", topic, name, err)
	}
	return n == 1, nil
}

// Info reads one blackboard topic. Unknown topics read as "N/A".
func (s *Service) Info(ctx context.Context, name, topic string) (string, bool, error) {
	t, found, err := s.Turtle(ctx, name)
	if err != nil || !found {
		return "", found, err
	}
	if v, ok := t.Infos[topic]; ok {
		return v, true, nil
	}
	return "N/A", true, nil
}

func (s *Service) Turtle(ctx context.Context, name string) (Turtle, bool, error) {
	var t Turtle
	found, err := s.turtles.FindOne(ctx, docstore.Filter{"name": name}, &t)
	if err != nil {
		return Turtle{}, false, fmt.Errorf("read %s: %w", name, err)
	}
	return t, found, nil
}

func (s *Service) Turtles(ctx context.Context) ([]Turtle, error) {
	var out []Turtle
	err := s.turtles.Find(ctx, nil, func(raw json.RawMessage) error {
		var t Turtle
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list turtles: %w", err)
	}
	return out, nil
}

func (s *Service) Stats() Stats {
	return Stats{
		Polls:          s.polls.Load(),
		NewTurtles:     s.newTurtles.Load(),
		Dispatches:     s.dispatches.Load(),
		DispatchErrors: s.dispatchErrors.Load(),
		Interrupts:     s.interrupts.Load(),
	}
}

func (s *Service) printf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
