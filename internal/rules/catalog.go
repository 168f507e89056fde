/**
 * @description
 * The rule catalog holds each bank's ordered set of amount-range approval
 * tiers and resolves the tier for a given amount. Rule sets are validated
 * once at load time: the tiers must partition [0, ∞) with no gaps and no
 * overlaps, and the final tier must be unbounded. Resolution is a binary
 * search over the sorted interval starts, so per-transfer lookups never
 * re-validate anything.
 *
 * The catalog is an explicit value handed to the engine at construction and
 * reloaded through ReplaceAll; it is never ambient global state.
 *
 * @dependencies
 * - github.com/google/uuid: bank ids.
 * - internal/domain: the ApprovalRule model.
 */

package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/stablerail/settlement-service/internal/domain"
)

var (
	// ErrNoMatchingRule indicates a resolve miss. Given load-time partition
	// validation this marks a configuration fault, never a silent default.
	ErrNoMatchingRule = errors.New("no approval rule matches the amount")

	// ErrOverlappingRuleRanges rejects a rule set whose intervals overlap.
	ErrOverlappingRuleRanges = errors.New("approval rule ranges overlap")

	// ErrGapInRuleRanges rejects a rule set that leaves part of [0, ∞) uncovered.
	ErrGapInRuleRanges = errors.New("approval rule ranges leave a gap")

	// ErrNoRulesForBank is returned when a bank has no loaded rule set.
	ErrNoRulesForBank = errors.New("no approval rules loaded for bank")
)

// Catalog is a thread-safe map of bank id to its validated, sorted rule set.
type Catalog struct {
	mu    sync.RWMutex
	banks map[uuid.UUID][]domain.ApprovalRule
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{banks: make(map[uuid.UUID][]domain.ApprovalRule)}
}

// validateRuleSet checks partition completeness over [0, ∞) and returns the
// rules sorted by MinAmount ascending.
func validateRuleSet(bankID uuid.UUID, rules []domain.ApprovalRule) ([]domain.ApprovalRule, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("bank %s: %w", bankID, ErrNoRulesForBank)
	}

	sorted := make([]domain.ApprovalRule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinAmount < sorted[j].MinAmount })

	for i, rule := range sorted {
		if rule.MinAmount < 0 {
			return nil, fmt.Errorf("bank %s rule %s: negative min amount", bankID, rule.ID)
		}
		if rule.RequiredApprovals < 0 {
			return nil, fmt.Errorf("bank %s rule %s: negative required approvals", bankID, rule.ID)
		}
		if rule.RequiredApprovals > 0 && rule.RequiredRoleLevel <= 0 {
			return nil, fmt.Errorf("bank %s rule %s: approvals required but no role level set", bankID, rule.ID)
		}
		if rule.MaxAmount != nil && *rule.MaxAmount <= rule.MinAmount {
			return nil, fmt.Errorf("bank %s rule %s: empty interval [%d, %d)", bankID, rule.ID, rule.MinAmount, *rule.MaxAmount)
		}

		if i == 0 {
			if rule.MinAmount != 0 {
				return nil, fmt.Errorf("bank %s: first tier starts at %d: %w", bankID, rule.MinAmount, ErrGapInRuleRanges)
			}
			continue
		}

		prev := sorted[i-1]
		if prev.MaxAmount == nil {
			return nil, fmt.Errorf("bank %s: tier starting at %d sits above an unbounded tier: %w", bankID, rule.MinAmount, ErrOverlappingRuleRanges)
		}
		switch {
		case rule.MinAmount < *prev.MaxAmount:
			return nil, fmt.Errorf("bank %s: tiers [%d,...) and [%d,%d) overlap: %w", bankID, rule.MinAmount, prev.MinAmount, *prev.MaxAmount, ErrOverlappingRuleRanges)
		case rule.MinAmount > *prev.MaxAmount:
			return nil, fmt.Errorf("bank %s: uncovered range [%d,%d): %w", bankID, *prev.MaxAmount, rule.MinAmount, ErrGapInRuleRanges)
		}
	}

	if last := sorted[len(sorted)-1]; last.MaxAmount != nil {
		return nil, fmt.Errorf("bank %s: final tier is bounded at %d: %w", bankID, *last.MaxAmount, ErrGapInRuleRanges)
	}

	return sorted, nil
}

// LoadBank validates and installs one bank's rule set. An invalid set is
// rejected whole; the previously loaded set, if any, stays in effect.
func (c *Catalog) LoadBank(bankID uuid.UUID, rules []domain.ApprovalRule) error {
	sorted, err := validateRuleSet(bankID, rules)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.banks[bankID] = sorted
	return nil
}

// ReplaceAll validates every bank's rule set and swaps the catalog contents
// atomically. On any validation failure nothing is replaced.
func (c *Catalog) ReplaceAll(ruleSets map[uuid.UUID][]domain.ApprovalRule) error {
	validated := make(map[uuid.UUID][]domain.ApprovalRule, len(ruleSets))
	for bankID, rules := range ruleSets {
		sorted, err := validateRuleSet(bankID, rules)
		if err != nil {
			return err
		}
		validated[bankID] = sorted
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.banks = validated
	return nil
}

// Resolve returns the tier covering the amount for the bank. Amounts must be
// positive; O(log n) over the sorted tier starts.
func (c *Catalog) Resolve(bankID uuid.UUID, amount int64) (domain.ApprovalRule, error) {
	if amount <= 0 {
		return domain.ApprovalRule{}, fmt.Errorf("amount %d: %w", amount, ErrNoMatchingRule)
	}

	c.mu.RLock()
	ruleSet, ok := c.banks[bankID]
	c.mu.RUnlock()
	if !ok {
		return domain.ApprovalRule{}, fmt.Errorf("bank %s: %w", bankID, ErrNoRulesForBank)
	}

	// Last tier whose MinAmount <= amount.
	idx := sort.Search(len(ruleSet), func(i int) bool { return ruleSet[i].MinAmount > amount }) - 1
	if idx < 0 || !ruleSet[idx].Covers(amount) {
		return domain.ApprovalRule{}, fmt.Errorf("bank %s amount %d: %w", bankID, amount, ErrNoMatchingRule)
	}
	return ruleSet[idx], nil
}

// Banks returns the ids of all banks with a loaded rule set.
func (c *Catalog) Banks() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(c.banks))
	for id := range c.banks {
		ids = append(ids, id)
	}
	return ids
}
