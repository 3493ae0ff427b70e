package id

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces prefixed identifiers for pipeline records.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.mu.Lock()
	defaultGenerator.strategy = strategy
	defaultGenerator.mu.Unlock()
}

// ParseStrategy maps a config value ("ksuid", "uuidv7") to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "ksuid":
		return StrategyKSUID, nil
	case "uuidv7", "uuid":
		return StrategyUUIDv7, nil
	default:
		return StrategyKSUID, fmt.Errorf("unknown id strategy %q", name)
	}
}

// NewExecutionID identifies one orchestrator run.
func NewExecutionID() string { return defaultGenerator.newIdentifier("exec") }

// NewPlanID identifies a persisted execution plan.
func NewPlanID() string { return defaultGenerator.newIdentifier("plan") }

// NewTaskRowID identifies an agent task row. It is distinct from the
// worker-supplied task id carried in notifications.
func NewTaskRowID() string { return defaultGenerator.newIdentifier("task") }

// NewClientID identifies an observer connection.
func NewClientID() string { return defaultGenerator.newIdentifier("client") }

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	var body string
	switch strategy {
	case StrategyUUIDv7:
		uuidv7, err := uuid.NewV7()
		if err == nil {
			body = uuidv7.String()
			break
		}
		body = ksuid.New().String()
	default:
		body = ksuid.New().String()
	}
	return prefix + "-" + body
}
