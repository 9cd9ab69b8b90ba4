// Package auth decides which identities may perform privileged exchange
// operations and carries caller identity through HTTP requests.
//
// Engine code only asks Authorizer.IsAuthorized; the policy behind it is
// substitutable. The production default is a single configured operator.
package auth

import (
	"errors"
	"fmt"
)

// Action names a privileged operation.
type Action string

const (
	ActionSettleTrade  Action = "settle_trade"
	ActionMintShares   Action = "mint_shares"
	ActionDistribute   Action = "distribute_dividend"
	ActionCloseFutures Action = "close_futures"
	ActionToggleMarket Action = "toggle_market"
)

// PrivilegedActions lists every action gated by an Authorizer.
var PrivilegedActions = []Action{
	ActionSettleTrade,
	ActionMintShares,
	ActionDistribute,
	ActionCloseFutures,
	ActionToggleMarket,
}

var ErrUnknownAction = errors.New("auth: unknown action")

// ParseAction validates an action name from configuration.
func ParseAction(s string) (Action, error) {
	for _, a := range PrivilegedActions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownAction, s)
}

// Authorizer is the capability check consulted before privileged actions.
type Authorizer interface {
	IsAuthorized(identity string, action Action) bool
}

// SingleOperator grants every privileged action to one principal.
type SingleOperator struct {
	Operator string
}

// NewSingleOperator creates the default policy.
func NewSingleOperator(operator string) *SingleOperator {
	return &SingleOperator{Operator: operator}
}

func (s *SingleOperator) IsAuthorized(identity string, _ Action) bool {
	return s.Operator != "" && identity == s.Operator
}

// RoleSet grants individual actions to individual identities.
type RoleSet struct {
	grants map[string]map[Action]bool
}

// NewRoleSet builds a policy from identity -> actions.
func NewRoleSet(grants map[string][]Action) *RoleSet {
	rs := &RoleSet{grants: make(map[string]map[Action]bool, len(grants))}
	for identity, actions := range grants {
		for _, a := range actions {
			rs.Grant(identity, a)
		}
	}
	return rs
}

// Grant adds one action for an identity.
func (r *RoleSet) Grant(identity string, action Action) {
	set, ok := r.grants[identity]
	if !ok {
		set = make(map[Action]bool)
		r.grants[identity] = set
	}
	set[action] = true
}

func (r *RoleSet) IsAuthorized(identity string, action Action) bool {
	return r.grants[identity][action]
}

// AnyOf authorizes if any of its policies does.
type AnyOf []Authorizer

func (a AnyOf) IsAuthorized(identity string, action Action) bool {
	for _, p := range a {
		if p != nil && p.IsAuthorized(identity, action) {
			return true
		}
	}
	return false
}
