package taskqueue

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// Member is a job waiting in a task queue.
type Member struct {
	JobID    int64
	Priority int32
}

// Weighting decides the order in which the members of one task queue are offered to a pilot.
type Weighting interface {
	Order(members []Member, rng *rand.Rand) []Member
}

// LinearWeighting draws members at random without replacement, each draw weighted by max(priority, 1).
// Higher priorities are favoured without starving lower ones, and equal priorities are drawn uniformly.
type LinearWeighting struct{}

func (LinearWeighting) Order(members []Member, rng *rand.Rand) []Member {
	// Efraimidis-Spirakis: sorting by u^(1/w) descending is a weighted sample without replacement.
	type keyed struct {
		member Member
		key    float64
	}
	keys := make([]keyed, len(members))
	for i, m := range members {
		weight := math.Max(float64(m.Priority), 1)
		keys[i] = keyed{member: m, key: math.Pow(rng.Float64(), 1/weight)}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].key > keys[j].key })
	out := make([]Member, len(keys))
	for i, k := range keys {
		out[i] = k.member
	}
	return out
}

// StrictWeighting orders by descending priority and shuffles members of equal priority.
type StrictWeighting struct{}

func (StrictWeighting) Order(members []Member, rng *rand.Rand) []Member {
	out := append([]Member(nil), members...)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// WeightingFromName maps a configuration value to a Weighting.
func WeightingFromName(name string) (Weighting, error) {
	switch name {
	case "", "linear":
		return LinearWeighting{}, nil
	case "strict":
		return StrictWeighting{}, nil
	default:
		return nil, errors.Errorf("unknown task queue weighting %q", name)
	}
}
