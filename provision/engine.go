package provision

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"github.com/openrp/openrp/oidc"
)

// Engine applies validated claims to the local account and group backends.
type Engine struct {
	users     Users
	groups    Groups
	listeners []OverrideListener
	logger    hclog.Logger
}

// NewEngine composes a provisioning engine.
// Supported options: WithLogger.
func NewEngine(users Users, groups Groups, opt ...oidc.Option) (*Engine, error) {
	const op = "provision.NewEngine"
	if users == nil {
		return nil, fmt.Errorf("%s: user backend is nil: %w", op, oidc.ErrNilParameter)
	}
	if groups == nil {
		return nil, fmt.Errorf("%s: group backend is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getEngineOpts(opt...)
	return &Engine{
		users:  users,
		groups: groups,
		logger: opts.withLogger,
	}, nil
}

// OnAttribute registers an override listener.  Listeners run in registration
// order for every attribute of every provisioned user.
func (e *Engine) OnAttribute(l OverrideListener) {
	e.listeners = append(e.listeners, l)
}

// Provision creates or updates the local account for the validated claims
// and returns it.  federated marks claims that arrived through the
// federation trust path, which changes the derived id when unique ids are
// enabled.
func (e *Engine) Provision(ctx context.Context, p *oidc.Provider, federated bool, claims map[string]interface{}) (*LocalUser, error) {
	const op = "Engine.Provision"
	if p == nil {
		return nil, fmt.Errorf("%s: provider is nil: %w", op, oidc.ErrNilParameter)
	}
	rawUID, _ := claims[p.Settings.UIDClaim()].(string)
	if rawUID == "" {
		return nil, fmt.Errorf("%s: claim %q is missing: %w", op, p.Settings.UIDClaim(), oidc.ErrInvalidToken)
	}
	uid := DeriveUID(p, federated, rawUID)

	user, err := e.users.Get(ctx, uid)
	create := false
	if err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		create = true
		user = &LocalUser{ID: uid}
	}

	changed := false
	if v, ok := e.resolveAttribute(uid, AttributeEmail, claimString(claims[p.Settings.EmailClaim()]), claims); ok && v != user.Email {
		user.Email = v
		changed = true
	}
	if v, ok := e.resolveAttribute(uid, AttributeDisplayName, claimString(claims[p.Settings.DisplayNameClaim()]), claims); ok && v != user.DisplayName {
		user.DisplayName = v
		changed = true
	}
	if v, ok := e.resolveAttribute(uid, AttributeQuota, claimString(claims[p.Settings.QuotaClaim()]), claims); ok && v != user.Quota {
		user.Quota = v
		changed = true
	}

	switch {
	case create:
		if err := e.users.Create(ctx, user); err != nil {
			return nil, fmt.Errorf("%s: unable to create user %s: %w", op, uid, err)
		}
		e.logger.Info("provisioned new user", "uid", uid, "provider", p.Identifier)
	case changed:
		if err := e.users.Update(ctx, user); err != nil {
			return nil, fmt.Errorf("%s: unable to update user %s: %w", op, uid, err)
		}
	}

	if p.Settings.GroupProvisioning {
		if err := e.syncGroups(ctx, p, uid, claims); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return user, nil
}

// resolveAttribute folds the override listeners over the claim value.  The
// boolean result reports whether any value exists at all: without one the
// attribute is left untouched on the account.
func (e *Engine) resolveAttribute(uid, attribute, claimValue string, claims map[string]interface{}) (string, bool) {
	event := &AttributeEvent{
		UID:       uid,
		Attribute: attribute,
		Claims:    claims,
	}
	event.SetValue(claimValue)
	for _, l := range e.listeners {
		l.AttributeOverride(event)
		if event.stopped {
			break
		}
	}
	return event.Value()
}

// mappedGroup is one desired group membership from the groups claim.
type mappedGroup struct {
	gid         string
	displayName string
}

// syncGroups reconciles the user's group memberships against the mapped
// groups claim: missing groups are created and joined, memberships absent
// from the claim are removed.
func (e *Engine) syncGroups(ctx context.Context, p *oidc.Provider, uid string, claims map[string]interface{}) error {
	desired, err := e.desiredGroups(p, claims)
	if err != nil {
		return err
	}
	current, err := e.groups.GroupsOf(ctx, uid)
	if err != nil {
		return fmt.Errorf("unable to list groups of %s: %w", uid, err)
	}
	currentSet := map[string]bool{}
	for _, gid := range current {
		currentSet[gid] = true
	}

	for _, g := range desired {
		exists, err := e.groups.Exists(ctx, g.gid)
		if err != nil {
			return fmt.Errorf("unable to check group %s: %w", g.gid, err)
		}
		if !exists {
			if err := e.groups.Create(ctx, g.gid, g.displayName); err != nil {
				return fmt.Errorf("unable to create group %s: %w", g.gid, err)
			}
			e.logger.Info("provisioned new group", "gid", g.gid, "provider", p.Identifier)
		} else if g.displayName != "" && g.displayName != g.gid {
			if err := e.groups.SetDisplayName(ctx, g.gid, g.displayName); err != nil {
				return fmt.Errorf("unable to rename group %s: %w", g.gid, err)
			}
		}
		if !currentSet[g.gid] {
			if err := e.groups.AddMember(ctx, g.gid, uid); err != nil {
				return fmt.Errorf("unable to add %s to group %s: %w", uid, g.gid, err)
			}
		}
		delete(currentSet, g.gid)
	}

	for gid := range currentSet {
		if err := e.groups.RemoveMember(ctx, gid, uid); err != nil {
			return fmt.Errorf("unable to remove %s from group %s: %w", uid, gid, err)
		}
	}
	return nil
}

// desiredGroups parses the mapped groups claim.  Entries are either bare
// group names or objects carrying gid and displayName.  The whitelist regex,
// when configured, filters by gid.
func (e *Engine) desiredGroups(p *oidc.Provider, claims map[string]interface{}) ([]mappedGroup, error) {
	raw, ok := claims[p.Settings.GroupsClaim()].([]interface{})
	if !ok {
		return nil, nil
	}
	var whitelist *regexp.Regexp
	if p.Settings.GroupWhitelistRegex != "" {
		var err error
		whitelist, err = regexp.Compile(p.Settings.GroupWhitelistRegex)
		if err != nil {
			return nil, fmt.Errorf("group whitelist regex is invalid: %w: %v", oidc.ErrInvalidParameter, err)
		}
	}

	var out []mappedGroup
	for _, entry := range raw {
		var g mappedGroup
		switch v := entry.(type) {
		case string:
			g = mappedGroup{gid: v, displayName: v}
		case map[string]interface{}:
			g.gid, _ = v["gid"].(string)
			g.displayName, _ = v["displayName"].(string)
			if g.displayName == "" {
				g.displayName = g.gid
			}
		}
		if g.gid == "" {
			continue
		}
		if whitelist != nil && !whitelist.MatchString(g.gid) {
			e.logger.Debug("group not on whitelist, skipping", "gid", g.gid, "provider", p.Identifier)
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, oidc.ErrNotFound)
}

func claimString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return ""
	}
}
