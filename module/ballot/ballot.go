// Package ballot implements the backend selection policy. Given a request
// and the set of registered backend drivers, it decides which backend(s)
// must produce a proof for the request to be considered satisfied.
package ballot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/taikoxyz/raiko-sub001/model/proof"
	"github.com/taikoxyz/raiko-sub001/prover"
)

// drawCacheSize caches one draw per block hash; sized for roughly a day of
// blocks so replayed submissions draw the same family.
const drawCacheSize = 8192

// NoEligibleBackendError indicates the policy exhausted all options for a
// request. The task fails terminally.
type NoEligibleBackendError struct {
	Family proof.Family
}

func (e NoEligibleBackendError) Error() string {
	return fmt.Sprintf("no eligible backend for family %s", e.Family)
}

func IsNoEligibleBackendError(err error) bool {
	var target NoEligibleBackendError
	return errors.As(err, &target)
}

// BackendPolicy configures one backend's participation in selection.
type BackendPolicy struct {
	Enabled bool
	// Weight orders backends within a family, highest first. Backends
	// with equal weight are ordered by ascending backend ID so selection
	// is deterministic.
	Weight float64
}

// Config is the data-driven selection policy.
type Config struct {
	Backends map[proof.BackendID]BackendPolicy
	// Redundancy is the number K of distinct backends that must all
	// succeed for an assignment to be satisfied. Defaults to 1.
	Redundancy uint
	// DrawProbabilities assigns each family a probability of being drawn
	// for requests that declare no family. Probabilities must lie in
	// [0, 1] and sum to at most 1; the remainder draws no family.
	DrawProbabilities map[proof.Family]float64
}

func (c Config) validate() error {
	for id, policy := range c.Backends {
		if policy.Weight < 0 {
			return fmt.Errorf("negative weight for backend %s: %f", id, policy.Weight)
		}
	}
	total := 0.0
	for family, p := range c.DrawProbabilities {
		if p < 0 || p > 1 {
			return fmt.Errorf("draw probability for family %s out of range: %f", family, p)
		}
		total += p
	}
	if total > 1 {
		return fmt.Errorf("draw probabilities sum to %f, must not exceed 1", total)
	}
	return nil
}

// Ballot selects backends for requests. It is immutable after construction.
type Ballot struct {
	log       zerolog.Logger
	config    Config
	registry  *prover.Registry
	drawCache *lru.Cache
}

func New(log zerolog.Logger, config Config, registry *prover.Registry) (*Ballot, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid ballot config: %w", err)
	}
	if config.Redundancy == 0 {
		config.Redundancy = 1
	}
	cache, err := lru.New(drawCacheSize)
	if err != nil {
		return nil, fmt.Errorf("could not create draw cache: %w", err)
	}
	return &Ballot{
		log:       log.With().Str("component", "ballot").Logger(),
		config:    config,
		registry:  registry,
		drawCache: cache,
	}, nil
}

// Select returns the backends that must all succeed for the request to be
// satisfied. Backends in the exclude set (exhausted by retries) are never
// selected. At most Redundancy backends are returned; fewer when the
// family has fewer eligible backends, never zero: an empty candidate set
// yields NoEligibleBackendError.
func (b *Ballot) Select(
	req *proof.ProofRequest,
	exclude map[proof.BackendID]struct{},
) ([]proof.BackendID, error) {

	family := req.Family
	if family == proof.FamilyAny {
		drawn, ok := b.Draw(req.BlockHash)
		if !ok {
			return nil, NoEligibleBackendError{Family: family}
		}
		family = drawn
	}

	type candidate struct {
		id     proof.BackendID
		weight float64
	}
	var candidates []candidate
	for _, id := range b.registry.ByFamily(family) {
		if _, excluded := exclude[id]; excluded {
			continue
		}
		policy, ok := b.config.Backends[id]
		if !ok || !policy.Enabled {
			continue
		}
		candidates = append(candidates, candidate{id: id, weight: policy.Weight})
	}
	if len(candidates) == 0 {
		return nil, NoEligibleBackendError{Family: family}
	}

	// weight descending, ties broken by ascending backend ID
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].weight != candidates[j].weight {
			return candidates[i].weight > candidates[j].weight
		}
		return candidates[i].id < candidates[j].id
	})

	k := int(b.config.Redundancy)
	if k > len(candidates) {
		k = len(candidates)
	}
	selected := make([]proof.BackendID, 0, k)
	for _, c := range candidates[:k] {
		selected = append(selected, c.id)
	}

	b.log.Debug().
		Str("family", string(family)).
		Int("candidates", len(candidates)).
		Interface("selected", selected).
		Msg("selected backends")

	return selected, nil
}

// Draw deterministically assigns a family to a block hash according to the
// configured draw probabilities. The same block hash always draws the same
// result, so a replayed submission is routed identically. Returns false
// when the hash falls into the undrawn remainder or no probabilities are
// configured.
func (b *Ballot) Draw(blockHash common.Hash) (proof.Family, bool) {
	if cached, ok := b.drawCache.Get(blockHash); ok {
		family := cached.(proof.Family)
		return family, family != ""
	}

	// the low 8 bytes of the block hash provide the deterministic seed
	seed := binary.LittleEndian.Uint64(blockHash[24:32])
	point := float64(seed) / float64(math.MaxUint64)

	// iterate families in stable order so the cumulative walk is
	// deterministic across processes
	families := make([]proof.Family, 0, len(b.config.DrawProbabilities))
	for family := range b.config.DrawProbabilities {
		families = append(families, family)
	}
	sort.Slice(families, func(i, j int) bool { return families[i] < families[j] })

	cumulative := 0.0
	var result proof.Family
	for _, family := range families {
		cumulative += b.config.DrawProbabilities[family]
		if point < cumulative {
			result = family
			break
		}
	}

	b.drawCache.Add(blockHash, result)
	return result, result != ""
}
