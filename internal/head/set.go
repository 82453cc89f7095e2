package head

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/23skdu/longbow-smlp/internal/logger"
	"github.com/23skdu/longbow-smlp/internal/metrics"
	"github.com/23skdu/longbow-smlp/internal/state"
)

// Set is the named head collection owned by one model. It is not safe for
// concurrent mutation.
type Set struct {
	tmpl  Template
	rng   *rand.Rand
	heads map[string]*Head
	log   *logger.Logger
}

func NewSet(tmpl Template, rng *rand.Rand) (*Set, error) {
	if err := tmpl.validate(); err != nil {
		return nil, err
	}
	return &Set{
		tmpl:  tmpl,
		rng:   rng,
		heads: make(map[string]*Head),
		log:   logger.Log.With("component", "heads"),
	}, nil
}

func (s *Set) Template() Template {
	return s.tmpl
}

// Register adds a head. Registering an existing name with the same shape is a
// no-op; a different shape replaces the head with a warning.
func (s *Set) Register(name string, numClasses, innerDim int) error {
	if name == "" || strings.Contains(name, ".") {
		return fmt.Errorf("invalid head name %q", name)
	}
	prev, exists := s.heads[name]
	if exists && numClasses > 0 && innerDim >= 0 {
		want := state.HeadShape{NumClasses: numClasses, InnerDim: innerDim}
		if innerDim == 0 {
			want.InnerDim = s.tmpl.InputDim
		}
		// An unchanged head draws nothing from rng.
		if prev.Shape() == want {
			metrics.RecordHeadRegistration("unchanged")
			return nil
		}
	}

	h, err := s.tmpl.New(s.rng, name, numClasses, innerDim)
	if err != nil {
		return err
	}

	if !exists {
		s.log.Debug("Registered classification head", "head", name, "num_classes", h.NumClasses, "inner_dim", h.InnerDim)
		metrics.RecordHeadRegistration("created")
	} else {
		s.log.Warn("Re-registering head with different dimensions",
			"head", name,
			"num_classes", fmt.Sprintf("%d -> %d", prev.NumClasses, h.NumClasses),
			"inner_dim", fmt.Sprintf("%d -> %d", prev.InnerDim, h.InnerDim))
		metrics.RecordHeadRegistration("replaced")
	}
	s.heads[name] = h
	return nil
}

func (s *Set) Get(name string) (*Head, bool) {
	h, ok := s.heads[name]
	return h, ok
}

func (s *Set) Len() int {
	return len(s.heads)
}

// Names returns head names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.heads))
	for n := range s.heads {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Set) Shapes() map[string]state.HeadShape {
	out := make(map[string]state.HeadShape, len(s.heads))
	for n, h := range s.heads {
		out[n] = h.Shape()
	}
	return out
}

// StateDict returns every head parameter keyed "<head>.<param>".
func (s *Set) StateDict() state.Dict {
	out := make(state.Dict)
	for n, h := range s.heads {
		for k, v := range h.StateDict() {
			out[n+"."+k] = v
		}
	}
	return out
}

// Load restores head parameters keyed "<head>.<param>". Every head named in d
// must be registered. On error no head is changed.
func (s *Set) Load(d state.Dict) error {
	byHead := make(map[string]state.Dict)
	for k, v := range d {
		name, param, ok := strings.Cut(k, ".")
		if !ok {
			return fmt.Errorf("invalid head parameter key %q", k)
		}
		if _, known := s.heads[name]; !known {
			return fmt.Errorf("no classification head registered as %q", name)
		}
		if byHead[name] == nil {
			byHead[name] = make(state.Dict)
		}
		byHead[name][param] = v
	}

	names := make([]string, 0, len(byHead))
	for name := range byHead {
		names = append(names, name)
	}
	sort.Strings(names)

	// All heads are checked before any is written.
	for _, name := range names {
		if err := s.heads[name].check(byHead[name]); err != nil {
			return err
		}
	}
	for _, name := range names {
		s.heads[name].assign(byHead[name])
		metrics.RecordHeadRegistration("restored")
	}
	return nil
}
