package session

import (
	"math/rand/v2"
	"time"
)

const (
	// MovementKeys are the eight direction commands.
	MovementKeys = "hjklyubn"
	// EnhancedMovementKeys adds the run-until-something-interesting variants.
	EnhancedMovementKeys = "hjklyubnHJKLYUBN"

	keyEscape = "\x1b"

	// SaveKey asks the target to save and exit.
	SaveKey = "S"

	maxTailMoves   = 5
	saveOdds       = 4
	seedStreamSalt = 0x9e3779b97f4a7c15
)

// Step is one scripted action in the play phase.
type Step struct {
	Phase Phase
	Keys  string
	// Dismiss sends a space after the keys to close a menu or --More--.
	Dismiss bool
	// Save marks the save command. A target that saves exits, so it is
	// always the last step.
	Save bool
}

var itemLetters = []byte("abcdefgh")

// enhancedItemOps is the wider item-command catalog. Entries ending in "?"
// take a random inventory letter.
var enhancedItemOps = []string{
	"I$", "I*", "IU",
	"w?", "W?", "P?", "r?", "q?",
	",", ":", "D?", "d?",
}

// Plan builds the play schedule for a step budget. The shape of the
// schedule depends only on budget. Which direction or item is chosen depends
// on seed, so the same (budget, seed) always yields the same keystrokes.
//
// For a budget n with tail = clamp(n/10, 1, 5) the schedule is
// n-2*tail-2 moves, inventory, tail moves, one item op, tail moves. Budgets
// too small for that shape are all movement. In enhanced mode one seed in
// four replaces the final move with a save.
func Plan(budget int, seed uint64, enhanced bool) []Step {
	if budget <= 0 {
		return nil
	}
	rng := rand.New(rand.NewPCG(seed, seed^seedStreamSalt))
	moves := MovementKeys
	if enhanced {
		moves = EnhancedMovementKeys
	}

	steps := make([]Step, 0, budget)
	move := func(count int) {
		for i := 0; i < count; i++ {
			steps = append(steps, Step{
				Phase: PhasePlayingMovement,
				Keys:  string(moves[rng.IntN(len(moves))]),
			})
		}
	}

	tail := budget / 10
	if tail < 1 {
		tail = 1
	}
	if tail > maxTailMoves {
		tail = maxTailMoves
	}
	head := budget - 2*tail - 2
	if head < 0 {
		move(budget)
		return steps
	}

	move(head)
	steps = append(steps, Step{Phase: PhasePlayingInventory, Keys: "i", Dismiss: true})
	move(tail)
	steps = append(steps, itemOp(rng, enhanced))
	move(tail)
	if enhanced && rng.IntN(saveOdds) == 0 {
		steps[len(steps)-1] = Step{Phase: PhasePlayingItemOps, Keys: SaveKey, Save: true}
	}
	return steps
}

func itemOp(rng *rand.Rand, enhanced bool) Step {
	if !enhanced {
		return Step{Phase: PhasePlayingItemOps, Keys: "da"}
	}
	op := enhancedItemOps[rng.IntN(len(enhancedItemOps))]
	keys := make([]byte, 0, len(op)+1)
	for i := 0; i < len(op); i++ {
		if op[i] == '?' {
			keys = append(keys, itemLetters[rng.IntN(len(itemLetters))])
			continue
		}
		keys = append(keys, op[i])
	}
	keys = append(keys, keyEscape...)
	phase := PhasePlayingItemOps
	if op[0] == 'I' {
		phase = PhasePlayingInventory
	}
	return Step{Phase: phase, Keys: string(keys), Dismiss: op[0] == 'I'}
}

// Keystrokes returns the number of key writes a schedule performs.
func Keystrokes(steps []Step) int {
	total := 0
	for _, step := range steps {
		total += len(step.Keys)
		if step.Dismiss {
			total++
		}
	}
	return total
}

// EstimatedPlayTime is the minimum wall time a schedule takes at the given pacing.
func EstimatedPlayTime(steps []Step, delay time.Duration) time.Duration {
	return time.Duration(Keystrokes(steps)) * delay
}
