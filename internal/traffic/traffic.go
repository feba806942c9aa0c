// Package traffic decides what a bot says, to whom, and when.
package traffic

import (
	"math/rand"
	"sync"
	"time"
)

// Action is one send chosen by a Generator.
type Action struct {
	Private bool
	Dst     string // private destination
	Channel string // public channel
	Text    string
}

// Generator produces synthetic chat traffic. The bot driver depends only on
// this interface so its causality and transport logic can be tested with a
// scripted generator.
type Generator interface {
	// Identity picks the display name for the process.
	Identity() string
	// PickChannels chooses up to n channels to join from available.
	PickChannels(available []string, n int) []string
	// Next chooses the next send. peers are users known to the broker and
	// joined the channels picked at startup; either may be empty.
	Next(self string, peers, joined []string) Action
	// Pause is the wait before the next send.
	Pause() time.Duration
}

// Settings tunes a Random generator.
type Settings struct {
	Names        []string
	Phrases      []string
	PrivateRatio float64
	MinPause     time.Duration
	MaxPause     time.Duration
}

// DefaultSettings returns the stock sample data, a 40/60 private/public
// split and 3–6s pauses.
func DefaultSettings() Settings {
	return Settings{
		Names:        append([]string(nil), SampleNames...),
		Phrases:      append([]string(nil), SamplePhrases...),
		PrivateRatio: 0.4,
		MinPause:     3 * time.Second,
		MaxPause:     6 * time.Second,
	}
}

// Random draws every decision from a seeded source.
type Random struct {
	set Settings

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom returns a generator seeded with seed. Empty name or phrase lists
// fall back to the samples.
func NewRandom(set Settings, seed int64) *Random {
	if len(set.Names) == 0 {
		set.Names = SampleNames
	}
	if len(set.Phrases) == 0 {
		set.Phrases = SamplePhrases
	}
	if set.MaxPause < set.MinPause {
		set.MaxPause = set.MinPause
	}
	return &Random{set: set, rng: rand.New(rand.NewSource(seed))}
}

func (r *Random) Identity() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pick(r.set.Names)
}

func (r *Random) PickChannels(available []string, n int) []string {
	if n <= 0 || len(available) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	shuffled := append([]string(nil), available...)
	r.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n]
}

func (r *Random) Next(self string, peers, joined []string) Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	text := r.pick(r.set.Phrases)
	wantPrivate := r.rng.Float64() < r.set.PrivateRatio

	if wantPrivate || len(joined) == 0 {
		dsts := others(peers, self)
		if len(dsts) == 0 {
			dsts = others(r.set.Names, self)
		}
		if len(dsts) > 0 {
			return Action{Private: true, Dst: r.pick(dsts), Text: text}
		}
	}
	return Action{Channel: r.pick(joined), Text: text}
}

func (r *Random) Pause() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	span := r.set.MaxPause - r.set.MinPause
	if span <= 0 {
		return r.set.MinPause
	}
	return r.set.MinPause + time.Duration(r.rng.Int63n(int64(span)+1))
}

func (r *Random) pick(from []string) string {
	if len(from) == 0 {
		return ""
	}
	return from[r.rng.Intn(len(from))]
}

func others(names []string, self string) []string {
	var out []string
	for _, n := range names {
		if n != self && n != "" {
			out = append(out, n)
		}
	}
	return out
}
