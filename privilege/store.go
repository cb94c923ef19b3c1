// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package privilege implements named privilege sets gating bot
// commands. A privilege set maps a name to a list of user IDs and a
// list of role rooms; an actor holds the privilege when their user ID
// is listed or they belong to a listed role room.
package privilege

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/warden-project/warden/lib/kv"
	"github.com/warden-project/warden/lib/ref"
)

// namespace is the kv namespace holding privilege sets. Each set
// occupies two keys, "<name>/users" and "<name>/roles"; a set exists
// when at least one of them is present.
const namespace = "privileges"

// UserError is a failure caused by the user's request rather than the
// system. Its text is safe to show verbatim in a command reply.
type UserError string

func (e UserError) Error() string { return string(e) }

// UserMessage returns the reply text for a rejected command. The bot
// dispatcher renders any error with this method to the user.
func (e UserError) UserMessage() string { return string(e) }

// AsUserError extracts the user-facing message from err, if it is a
// UserError.
func AsUserError(err error) (string, bool) {
	var userErr UserError
	if errors.As(err, &userErr) {
		return string(userErr), true
	}
	return "", false
}

// Actor identifies who issued a command. Roles is the list of role
// rooms the actor belongs to; nil means the actor has no role context
// (a direct message) and role checks are skipped.
type Actor struct {
	ID    ref.UserID
	Roles []ref.RoomID
}

// Store persists privilege sets in the kv store. All mutations are
// written through before returning.
type Store struct {
	kv *kv.Store
}

// NewStore creates a privilege store backed by the given kv store.
func NewStore(store *kv.Store) *Store {
	return &Store{kv: store}
}

func usersKey(name string) string { return name + "/users" }
func rolesKey(name string) string { return name + "/roles" }

// validateName rejects names that would collide with the key layout.
func validateName(name string) error {
	if name == "" {
		return UserError("privilege name must not be empty")
	}
	if strings.Contains(name, "/") {
		return UserError(fmt.Sprintf("invalid privilege name %q", name))
	}
	return nil
}

// Exists reports whether a privilege set with the given name exists.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	var users []ref.UserID
	found, err := s.kv.Get(ctx, namespace, usersKey(name), &users)
	if err != nil {
		return false, fmt.Errorf("privilege: checking %q: %w", name, err)
	}
	if found {
		return true, nil
	}
	var roles []ref.RoomID
	found, err = s.kv.Get(ctx, namespace, rolesKey(name), &roles)
	if err != nil {
		return false, fmt.Errorf("privilege: checking %q: %w", name, err)
	}
	return found, nil
}

// Create initializes an empty privilege set. Fails with a UserError
// if a set with that name already exists.
func (s *Store) Create(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	exists, err := s.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return UserError(fmt.Sprintf("privilege %q already exists", name))
	}
	if err := s.kv.Set(ctx, namespace, usersKey(name), []ref.UserID{}); err != nil {
		return fmt.Errorf("privilege: creating %q: %w", name, err)
	}
	if err := s.kv.Set(ctx, namespace, rolesKey(name), []ref.RoomID{}); err != nil {
		return fmt.Errorf("privilege: creating %q: %w", name, err)
	}
	return nil
}

// Delete removes a privilege set. Fails with a UserError if the set
// does not exist.
func (s *Store) Delete(ctx context.Context, name string) error {
	exists, err := s.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return UserError(fmt.Sprintf("privilege %q does not exist", name))
	}
	if _, err := s.kv.Delete(ctx, namespace, usersKey(name)); err != nil {
		return fmt.Errorf("privilege: deleting %q: %w", name, err)
	}
	if _, err := s.kv.Delete(ctx, namespace, rolesKey(name)); err != nil {
		return fmt.Errorf("privilege: deleting %q: %w", name, err)
	}
	return nil
}

// Members returns the user and role lists of a privilege set, in
// insertion order. Fails with a UserError if the set does not exist.
func (s *Store) Members(ctx context.Context, name string) ([]ref.UserID, []ref.RoomID, error) {
	var users []ref.UserID
	usersFound, err := s.kv.Get(ctx, namespace, usersKey(name), &users)
	if err != nil {
		return nil, nil, fmt.Errorf("privilege: reading %q: %w", name, err)
	}
	var roles []ref.RoomID
	rolesFound, err := s.kv.Get(ctx, namespace, rolesKey(name), &roles)
	if err != nil {
		return nil, nil, fmt.Errorf("privilege: reading %q: %w", name, err)
	}
	if !usersFound && !rolesFound {
		return nil, nil, UserError(fmt.Sprintf("privilege %q does not exist", name))
	}
	return users, roles, nil
}

// AddUser appends a user to a privilege set. Fails with a UserError
// if the set does not exist or the user is already listed.
func (s *Store) AddUser(ctx context.Context, name string, userID ref.UserID) error {
	users, _, err := s.Members(ctx, name)
	if err != nil {
		return err
	}
	if slices.Contains(users, userID) {
		return UserError(fmt.Sprintf("%s is already in privilege %q", userID, name))
	}
	users = append(users, userID)
	if err := s.kv.Set(ctx, namespace, usersKey(name), users); err != nil {
		return fmt.Errorf("privilege: updating %q: %w", name, err)
	}
	return nil
}

// AddRole appends a role room to a privilege set. Fails with a
// UserError if the set does not exist or the role is already listed.
func (s *Store) AddRole(ctx context.Context, name string, roleID ref.RoomID) error {
	_, roles, err := s.Members(ctx, name)
	if err != nil {
		return err
	}
	if slices.Contains(roles, roleID) {
		return UserError(fmt.Sprintf("%s is already in privilege %q", roleID, name))
	}
	roles = append(roles, roleID)
	if err := s.kv.Set(ctx, namespace, rolesKey(name), roles); err != nil {
		return fmt.Errorf("privilege: updating %q: %w", name, err)
	}
	return nil
}

// RemoveUser removes a user from a privilege set. Fails with a
// UserError if the set does not exist or the user is not listed.
func (s *Store) RemoveUser(ctx context.Context, name string, userID ref.UserID) error {
	users, _, err := s.Members(ctx, name)
	if err != nil {
		return err
	}
	index := slices.Index(users, userID)
	if index < 0 {
		return UserError(fmt.Sprintf("%s is not in privilege %q", userID, name))
	}
	users = slices.Delete(users, index, index+1)
	if err := s.kv.Set(ctx, namespace, usersKey(name), users); err != nil {
		return fmt.Errorf("privilege: updating %q: %w", name, err)
	}
	return nil
}

// RemoveRole removes a role room from a privilege set. Fails with a
// UserError if the set does not exist or the role is not listed.
func (s *Store) RemoveRole(ctx context.Context, name string, roleID ref.RoomID) error {
	_, roles, err := s.Members(ctx, name)
	if err != nil {
		return err
	}
	index := slices.Index(roles, roleID)
	if index < 0 {
		return UserError(fmt.Sprintf("%s is not in privilege %q", roleID, name))
	}
	roles = slices.Delete(roles, index, index+1)
	if err := s.kv.Set(ctx, namespace, rolesKey(name), roles); err != nil {
		return fmt.Errorf("privilege: updating %q: %w", name, err)
	}
	return nil
}

// Names returns the names of all privilege sets, sorted.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	keys, err := s.kv.List(ctx, namespace, "")
	if err != nil {
		return nil, fmt.Errorf("privilege: listing sets: %w", err)
	}
	var names []string
	for _, key := range keys {
		name, _, found := strings.Cut(key, "/")
		if !found {
			continue
		}
		// Each set has a users and a roles key; keep one name.
		if len(names) == 0 || names[len(names)-1] != name {
			names = append(names, name)
		}
	}
	return names, nil
}

// HasPrivilege reports whether the actor holds the named privilege:
// their user ID is listed, or role context is present and one of
// their role rooms is listed. A missing set grants nothing.
func (s *Store) HasPrivilege(ctx context.Context, name string, actor Actor) (bool, error) {
	users, roles, err := s.Members(ctx, name)
	if err != nil {
		if _, ok := AsUserError(err); ok {
			return false, nil
		}
		return false, err
	}
	if slices.Contains(users, actor.ID) {
		return true, nil
	}
	if actor.Roles == nil {
		return false, nil
	}
	for _, role := range actor.Roles {
		if slices.Contains(roles, role) {
			return true, nil
		}
	}
	return false, nil
}
