package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nuid"

	"github.com/boardflow/backend/internal/app/identity"
	"github.com/boardflow/backend/internal/contracts"
	"github.com/boardflow/backend/internal/sharding"
)

var (
	ErrNotAuthorized     = errors.New("not authorized to roll back this activity")
	ErrFeatureDisabled   = errors.New("agent feature is disabled for this organization")
	ErrNoSnapshot        = errors.New("activity has no snapshot to roll back")
	ErrAlreadyRolledBack = errors.New("activity has already been rolled back")
	ErrSessionNotFound   = errors.New("no completed activities for this session")
	ErrNoMatch           = errors.New("no matching activity found")
	ErrSessionRequired   = errors.New("session_id is required")
	ErrToolNameRequired  = errors.New("tool_name is required")
	ErrInputTooLarge     = errors.New("tool_input exceeds the size limit")
)

// DefaultMaxMatchInputBytes caps the serialized tool input accepted by
// match-based rollback. Oversized payloads are rejected before any database
// query is issued.
const DefaultMaxMatchInputBytes = 16 * 1024

type PublishFunc func(subject string, payload []byte) error

// Directory resolves caller roles and the per-organization agent feature
// flag. Implemented by identity.Service.
type Directory interface {
	MembershipRole(ctx context.Context, userID, orgID string) (string, error)
	AgentFeatureEnabled(ctx context.Context, orgID string) (bool, error)
}

// ProjectResolver maps a project to its current owning organization.
// Implemented by board.Repository. When set, authorization uses the resolved
// organization instead of the one recorded on the activity, which can be
// stale after a project is moved or deleted.
type ProjectResolver interface {
	ResolveProjectOrg(ctx context.Context, projectID string) (string, error)
}

type Actor struct {
	UserID   string
	Username string
}

type RollbackResult struct {
	ActivityID     string
	SessionID      string
	ProjectID      string
	OrganizationID string
	ToolName       string
	Description    string
}

type SessionRollbackDetail struct {
	ActivityID  string `json:"activityId"`
	ToolName    string `json:"toolName"`
	Description string `json:"description"`
}

type SessionRollbackResult struct {
	SessionID       string
	ProjectID       string
	OrganizationID  string
	RolledBackCount int
	Details         []SessionRollbackDetail
}

type MatchRequest struct {
	SessionID string          `json:"sessionId"`
	ToolName  string          `json:"toolName"`
	ToolInput json.RawMessage `json:"toolInput"`
}

// Service drives the three rollback entry points. All concurrency
// correctness lives in the claim protocol; the service only sequences
// resolve -> authorize -> claim+interpret+audit in one transaction.
type Service struct {
	Store              Store
	Directory          Directory
	Projects           ProjectResolver
	Publish            PublishFunc
	NewID              func() string
	Now                func() time.Time
	MaxMatchInputBytes int
}

func NewService(store Store, directory Directory) *Service {
	return &Service{
		Store:              store,
		Directory:          directory,
		NewID:              nuid.Next,
		Now:                func() time.Time { return time.Now().UTC() },
		MaxMatchInputBytes: DefaultMaxMatchInputBytes,
	}
}

// RollbackActivity reverses one activity identified by id.
func (s *Service) RollbackActivity(ctx context.Context, actor Actor, activityID string) (RollbackResult, error) {
	act, err := s.Store.GetActivity(ctx, strings.TrimSpace(activityID))
	if err != nil {
		return RollbackResult{}, err
	}
	// Fail fast before opening a transaction.
	if act.Status != StatusCompleted {
		return RollbackResult{}, ErrAlreadyRolledBack
	}
	if !act.HasSnapshot() {
		return RollbackResult{}, ErrNoSnapshot
	}
	if err := s.authorizeActivity(ctx, actor, act); err != nil {
		return RollbackResult{}, err
	}
	return s.rollbackOne(ctx, actor, act)
}

// RollbackByMatch reverses the most recent completed activity matching
// (sessionId, toolName, toolInput), for callers that never saw the activity
// id.
func (s *Service) RollbackByMatch(ctx context.Context, actor Actor, req MatchRequest) (RollbackResult, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return RollbackResult{}, ErrSessionRequired
	}
	toolName := strings.TrimSpace(req.ToolName)
	if toolName == "" {
		return RollbackResult{}, ErrToolNameRequired
	}

	maxBytes := s.MaxMatchInputBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMatchInputBytes
	}
	if len(req.ToolInput) > maxBytes {
		return RollbackResult{}, ErrInputTooLarge
	}
	input := req.ToolInput
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	act, err := s.Store.FindLatestMatch(ctx, sessionID, toolName, input)
	if err != nil {
		if errors.Is(err, ErrActivityNotFound) {
			return RollbackResult{}, ErrNoMatch
		}
		return RollbackResult{}, err
	}
	if !act.HasSnapshot() {
		return RollbackResult{}, ErrNoSnapshot
	}
	if err := s.authorizeActivity(ctx, actor, act); err != nil {
		return RollbackResult{}, err
	}
	return s.rollbackOne(ctx, actor, act)
}

// RollbackSession reverses every reversible activity in a session, most
// recent first, inside one transaction. Activities another request already
// claimed are skipped; if nothing can be claimed the whole operation fails
// with a conflict.
func (s *Service) RollbackSession(ctx context.Context, actor Actor, sessionID string) (SessionRollbackResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionRollbackResult{}, ErrSessionRequired
	}

	activities, err := s.Store.ListCompletedBySession(ctx, sessionID)
	if err != nil {
		return SessionRollbackResult{}, err
	}
	if len(activities) == 0 {
		return SessionRollbackResult{}, ErrSessionNotFound
	}

	candidates := activities[:0:0]
	for _, act := range activities {
		if act.HasSnapshot() {
			candidates = append(candidates, act)
		}
	}
	if len(candidates) == 0 {
		return SessionRollbackResult{}, ErrNoSnapshot
	}

	if err := s.authorizeSession(ctx, actor, candidates); err != nil {
		return SessionRollbackResult{}, err
	}

	// One event per distinct project so every affected board gets a refresh.
	type projectTally struct {
		anchor Activity
		desc   string
		count  int
	}
	perProject := map[string]*projectTally{}
	var projectOrder []string

	var details []SessionRollbackDetail
	var anchor Activity
	err = s.Store.RunInTx(ctx, func(q Querier) error {
		for _, act := range candidates {
			claimed, err := claimActivity(ctx, q, act.ID)
			if err != nil {
				return err
			}
			if !claimed {
				// Concurrently rolled back; skip rather than fail.
				continue
			}
			snap, err := DecodeSnapshot(act.SnapshotBefore)
			if err != nil {
				return err
			}
			desc, err := applyRollback(ctx, q, snap, act.ProjectID)
			if err != nil {
				return err
			}
			if len(details) == 0 {
				anchor = act
			}
			tally, ok := perProject[act.ProjectID]
			if !ok {
				tally = &projectTally{anchor: act, desc: desc}
				perProject[act.ProjectID] = tally
				projectOrder = append(projectOrder, act.ProjectID)
			}
			tally.count++
			details = append(details, SessionRollbackDetail{
				ActivityID:  act.ID,
				ToolName:    act.ToolName,
				Description: desc,
			})
		}
		if len(details) == 0 {
			return ErrAlreadyRolledBack
		}

		input, err := json.Marshal(map[string]any{
			"sessionId":       sessionID,
			"rolledBackCount": len(details),
		})
		if err != nil {
			return err
		}
		return insertActivity(ctx, q, s.auditActivity(actor, anchor, input))
	})
	if err != nil {
		return SessionRollbackResult{}, err
	}

	result := SessionRollbackResult{
		SessionID:       sessionID,
		ProjectID:       anchor.ProjectID,
		OrganizationID:  anchor.OrganizationID,
		RolledBackCount: len(details),
		Details:         details,
	}
	for _, projectID := range projectOrder {
		tally := perProject[projectID]
		s.publishEvent(contracts.RollbackEvent{
			EventID:         s.NewID(),
			SessionID:       sessionID,
			ProjectID:       projectID,
			OrganizationID:  tally.anchor.OrganizationID,
			ActorUserID:     actor.UserID,
			ToolName:        ToolRollback,
			Description:     tally.desc,
			RolledBackCount: tally.count,
			OccurredAt:      s.Now(),
		})
	}
	return result, nil
}

func (s *Service) rollbackOne(ctx context.Context, actor Actor, act Activity) (RollbackResult, error) {
	snap, err := DecodeSnapshot(act.SnapshotBefore)
	if err != nil {
		return RollbackResult{}, err
	}

	var desc string
	err = s.Store.RunInTx(ctx, func(q Querier) error {
		claimed, err := claimActivity(ctx, q, act.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrAlreadyRolledBack
		}
		desc, err = applyRollback(ctx, q, snap, act.ProjectID)
		if err != nil {
			return err
		}
		input, err := json.Marshal(map[string]any{"activityId": act.ID})
		if err != nil {
			return err
		}
		return insertActivity(ctx, q, s.auditActivity(actor, act, input))
	})
	if err != nil {
		return RollbackResult{}, err
	}

	s.publishEvent(contracts.RollbackEvent{
		EventID:         s.NewID(),
		ActivityID:      act.ID,
		SessionID:       act.SessionID,
		ProjectID:       act.ProjectID,
		OrganizationID:  act.OrganizationID,
		ActorUserID:     actor.UserID,
		ToolName:        act.ToolName,
		Description:     desc,
		RolledBackCount: 1,
		OccurredAt:      s.Now(),
	})
	return RollbackResult{
		ActivityID:     act.ID,
		SessionID:      act.SessionID,
		ProjectID:      act.ProjectID,
		OrganizationID: act.OrganizationID,
		ToolName:       act.ToolName,
		Description:    desc,
	}, nil
}

// owningOrg returns the organization authorization should run against. The
// activity row carries the organization at write time; the resolver reflects
// the project's current owner.
func (s *Service) owningOrg(ctx context.Context, act Activity) (string, error) {
	if s.Projects == nil {
		return act.OrganizationID, nil
	}
	return s.Projects.ResolveProjectOrg(ctx, act.ProjectID)
}

// authorizeActivity admits the acting user of the original write or an
// admin/owner of the owning organization, provided the agent feature is
// enabled there.
func (s *Service) authorizeActivity(ctx context.Context, actor Actor, act Activity) error {
	orgID, err := s.owningOrg(ctx, act)
	if err != nil {
		return err
	}
	enabled, err := s.Directory.AgentFeatureEnabled(ctx, orgID)
	if err != nil {
		return err
	}
	if !enabled {
		return ErrFeatureDisabled
	}
	if act.UserID == actor.UserID {
		return nil
	}
	role, err := s.Directory.MembershipRole(ctx, actor.UserID, orgID)
	if err != nil {
		if errors.Is(err, identity.ErrForbiddenOrg) {
			return ErrNotAuthorized
		}
		return err
	}
	if !identity.IsElevatedRole(role) {
		return ErrNotAuthorized
	}
	return nil
}

// authorizeSession checks every distinct project the session touched: the
// caller must be an admin/owner of the project's organization, or the sole
// author of that project's activities.
func (s *Service) authorizeSession(ctx context.Context, actor Actor, candidates []Activity) error {
	type projectGroup struct {
		orgID      string
		soleAuthor bool
	}
	projects := map[string]*projectGroup{}
	for _, act := range candidates {
		g, ok := projects[act.ProjectID]
		if !ok {
			orgID, err := s.owningOrg(ctx, act)
			if err != nil {
				return err
			}
			g = &projectGroup{orgID: orgID, soleAuthor: true}
			projects[act.ProjectID] = g
		}
		if act.UserID != actor.UserID {
			g.soleAuthor = false
		}
	}

	checkedOrgs := map[string]bool{}
	for _, g := range projects {
		if !checkedOrgs[g.orgID] {
			enabled, err := s.Directory.AgentFeatureEnabled(ctx, g.orgID)
			if err != nil {
				return err
			}
			if !enabled {
				return ErrFeatureDisabled
			}
			checkedOrgs[g.orgID] = true
		}
		if g.soleAuthor {
			continue
		}
		role, err := s.Directory.MembershipRole(ctx, actor.UserID, g.orgID)
		if err != nil {
			if errors.Is(err, identity.ErrForbiddenOrg) {
				return ErrNotAuthorized
			}
			return err
		}
		if !identity.IsElevatedRole(role) {
			return ErrNotAuthorized
		}
	}
	return nil
}

// auditActivity builds the activity row recording the rollback itself. It has
// no snapshot: a rollback is never reversible.
func (s *Service) auditActivity(actor Actor, parent Activity, input json.RawMessage) Activity {
	return Activity{
		ID:             s.NewID(),
		OrganizationID: parent.OrganizationID,
		ProjectID:      parent.ProjectID,
		SessionID:      parent.SessionID,
		UserID:         actor.UserID,
		ToolName:       ToolRollback,
		ToolInput:      input,
		Status:         StatusCompleted,
		CreatedAt:      s.Now(),
	}
}

// publishEvent is best-effort: the rollback already committed, so a publish
// failure is logged rather than surfaced.
func (s *Service) publishEvent(evt contracts.RollbackEvent) {
	if s.Publish == nil {
		return
	}
	evt.ShardID = sharding.GetShardID(evt.ProjectID)
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("rollback event marshal failed: %v", err)
		return
	}
	if err := s.Publish(sharding.RollbackSubject(evt.ProjectID), payload); err != nil {
		log.Printf("rollback event publish failed: %v", err)
	}
}
