// Package naming is the queue naming authority for the Nooble platform.
// It is the single place where queue name strings are constructed; no
// other component may concatenate them. Names follow the canonical form
//
//	{prefix}:{env}:{service}:{kind}:{context}
//
// which is stable across processes and implementation languages, so a
// producer written against this package reaches workers written against
// any conforming implementation.
package naming

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Queue kinds.
const (
	KindActions   = "actions"
	KindResponses = "responses"
	KindCallbacks = "callbacks"
)

// mainContext is the context segment of a service's single action queue.
const mainContext = "main"

var (
	// segmentRE matches one queue name segment. Lowercase only: case
	// variants are rejected as invalid input rather than folded.
	segmentRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

	// actionTypeRE matches the dotted action type form
	// "<domain>.<entity>.<verb>" with at least two segments. Underscores
	// never begin a segment so the dot-to-underscore sanitization used in
	// response queue names stays unambiguous for valid inputs.
	actionTypeRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_]*(\.[a-z0-9][a-z0-9_]*)+$`)
)

// Namer builds queue names for one platform deployment, identified by the
// platform-wide prefix and the deployment environment.
type Namer struct {
	prefix string
	env    string
}

// New returns a Namer for the given prefix (e.g. "nooble") and deployment
// environment (e.g. "dev", "staging", "prod").
func New(prefix, env string) (*Namer, error) {
	if err := ValidateSegment("prefix", prefix); err != nil {
		return nil, err
	}
	if err := ValidateSegment("env", env); err != nil {
		return nil, err
	}
	return &Namer{prefix: prefix, env: env}, nil
}

// Prefix returns the platform-wide queue name prefix.
func (n *Namer) Prefix() string { return n.prefix }

// Env returns the deployment environment.
func (n *Namer) Env() string { return n.env }

// ActionQueue returns the single action queue of a service:
// "{prefix}:{env}:{service}:actions:main".
func (n *Namer) ActionQueue(service string) (string, error) {
	if err := ValidateSegment("service", service); err != nil {
		return "", err
	}
	return n.join(service, KindActions, mainContext), nil
}

// ResponseQueue returns the ephemeral response queue of one
// pseudo-synchronous exchange:
// "{prefix}:{env}:{clientService}:responses:{sanitized type}:{correlationID}".
// Distinct (clientService, actionType, correlationID) triples always yield
// distinct names: the correlation id is unique per exchange and terminates
// the name.
func (n *Namer) ResponseQueue(clientService, actionType, correlationID string) (string, error) {
	if err := ValidateSegment("service", clientService); err != nil {
		return "", err
	}
	if err := ValidateActionType(actionType); err != nil {
		return "", err
	}
	if err := ValidateCorrelationID(correlationID); err != nil {
		return "", err
	}
	return n.join(clientService, KindResponses, SanitizeActionType(actionType)+":"+correlationID), nil
}

// CallbackQueue returns the callback queue a caller listens on for
// follow-up actions of one event within one context:
// "{prefix}:{env}:{clientService}:callbacks:{event}:{contextID}".
func (n *Namer) CallbackQueue(clientService, event, contextID string) (string, error) {
	if err := ValidateSegment("service", clientService); err != nil {
		return "", err
	}
	if err := ValidateSegment("event", event); err != nil {
		return "", err
	}
	if err := ValidateSegment("context", contextID); err != nil {
		return "", err
	}
	return n.join(clientService, KindCallbacks, event+":"+contextID), nil
}

func (n *Namer) join(service, kind, context string) string {
	return strings.Join([]string{n.prefix, n.env, service, kind, context}, ":")
}

// ServiceFor returns the target service of an action type: its leading
// dotted segment. "management.agent.get_config" routes to "management".
func ServiceFor(actionType string) (string, error) {
	if err := ValidateActionType(actionType); err != nil {
		return "", err
	}
	return actionType[:strings.IndexByte(actionType, '.')], nil
}

// SanitizeActionType returns the action type with dots replaced by
// underscores, the deterministic form used inside response queue names.
func SanitizeActionType(actionType string) string {
	return strings.ReplaceAll(actionType, ".", "_")
}

// ValidateActionType reports whether actionType is a well-formed dotted
// action type. Uppercase or colon-bearing types are invalid input, never
// folded.
func ValidateActionType(actionType string) error {
	if actionType == "" {
		return fmt.Errorf("action type is empty")
	}
	if !actionTypeRE.MatchString(actionType) {
		return fmt.Errorf("invalid action type %q: want dotted lowercase form like \"domain.entity.verb\"", actionType)
	}
	return nil
}

// ValidateCorrelationID reports whether id is a canonical lowercase
// hyphenated UUID, the only form allowed inside queue names.
func ValidateCorrelationID(id string) error {
	if id == "" {
		return fmt.Errorf("correlation id is empty")
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid correlation id %q: %w", id, err)
	}
	if u.String() != id {
		return fmt.Errorf("correlation id %q is not in canonical lowercase form", id)
	}
	return nil
}

// ValidateSegment reports whether value is a legal queue name segment:
// lowercase alphanumeric with interior underscores or hyphens, no colons.
func ValidateSegment(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is empty", field)
	}
	if !segmentRE.MatchString(value) {
		return fmt.Errorf("invalid %s %q: want lowercase [a-z0-9_-], starting with a letter or digit", field, value)
	}
	return nil
}
