package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"meshchat/models"
)

// CreateGroup defines a new group with a generated id.
func (d *Directory) CreateGroup(ctx context.Context, name string, memberIDs []string) (models.Group, error) {
	return d.CreateGroupWithID(ctx, uuid.NewString(), name, memberIDs)
}

// CreateGroupWithID defines a group under a caller-chosen id, as used when
// a group id is shared out of band.
func (d *Directory) CreateGroupWithID(ctx context.Context, id, name string, memberIDs []string) (models.Group, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "/") {
		return models.Group{}, fmt.Errorf("invalid group id %q", id)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Group{}, errors.New("group name is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.groups[id]; exists {
		return models.Group{}, fmt.Errorf("group %q already exists", id)
	}
	group := models.Group{
		ID:        id,
		Name:      name,
		MemberIDs: normalizeMembers(memberIDs),
		CreatedAt: d.now().UnixMilli(),
	}
	if err := d.saveGroup(ctx, group); err != nil {
		return models.Group{}, err
	}
	d.groups[id] = group
	return cloneGroup(group), nil
}

// Group returns a snapshot of the group's current membership.
func (d *Directory) Group(id string) (models.Group, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	group, ok := d.groups[id]
	if !ok {
		return models.Group{}, fmt.Errorf("group %q: %w", id, ErrGroupNotFound)
	}
	return cloneGroup(group), nil
}

// Groups returns all groups sorted by name.
func (d *Directory) Groups() []models.Group {
	d.mu.RLock()
	groups := make([]models.Group, 0, len(d.groups))
	for _, group := range d.groups {
		groups = append(groups, cloneGroup(group))
	}
	d.mu.RUnlock()

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Name != groups[j].Name {
			return groups[i].Name < groups[j].Name
		}
		return groups[i].ID < groups[j].ID
	})
	return groups
}

// AddMember adds peerID to the group. Adding an existing member is a no-op.
func (d *Directory) AddMember(ctx context.Context, groupID, peerID string) (models.Group, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return models.Group{}, errors.New("peer id is required")
	}
	return d.mutateGroup(ctx, groupID, func(g *models.Group) {
		g.MemberIDs = normalizeMembers(append(g.MemberIDs, peerID))
	})
}

// RemoveMember removes peerID from the group.
func (d *Directory) RemoveMember(ctx context.Context, groupID, peerID string) (models.Group, error) {
	return d.mutateGroup(ctx, groupID, func(g *models.Group) {
		kept := g.MemberIDs[:0]
		for _, id := range g.MemberIDs {
			if id != peerID {
				kept = append(kept, id)
			}
		}
		g.MemberIDs = kept
	})
}

// DeleteGroup removes the group definition.
func (d *Directory) DeleteGroup(ctx context.Context, groupID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.groups[groupID]; !ok {
		return fmt.Errorf("group %q: %w", groupID, ErrGroupNotFound)
	}
	if err := d.kv.Delete(ctx, bucketGroups, groupID); err != nil {
		return fmt.Errorf("delete group %q: %w", groupID, err)
	}
	delete(d.groups, groupID)
	return nil
}

func (d *Directory) mutateGroup(ctx context.Context, groupID string, mutate func(*models.Group)) (models.Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	group, ok := d.groups[groupID]
	if !ok {
		return models.Group{}, fmt.Errorf("group %q: %w", groupID, ErrGroupNotFound)
	}
	group = cloneGroup(group)
	mutate(&group)
	if err := d.saveGroup(ctx, group); err != nil {
		return models.Group{}, err
	}
	d.groups[groupID] = group
	return cloneGroup(group), nil
}

func (d *Directory) saveGroup(ctx context.Context, group models.Group) error {
	raw, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("encode group %q: %w", group.ID, err)
	}
	if err := d.kv.Put(ctx, bucketGroups, group.ID, raw, group.CreatedAt); err != nil {
		return fmt.Errorf("save group %q: %w", group.ID, err)
	}
	return nil
}

func normalizeMembers(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	members := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}

func cloneGroup(g models.Group) models.Group {
	g.MemberIDs = append([]string(nil), g.MemberIDs...)
	return g
}
