package identity

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/boardflow/backend/internal/platform/auth"
)

type fakeRepo struct {
	users         map[string]User
	members       map[string]map[string]string
	orgs          map[string]Organization
	refreshByHash map[string]RefreshToken

	createErr error
	findErr   error
	memberErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:         map[string]User{},
		members:       map[string]map[string]string{},
		orgs:          map[string]Organization{},
		refreshByHash: map[string]RefreshToken{},
	}
}

func (f *fakeRepo) EnsureSchema(ctx context.Context) error { return nil }

func (f *fakeRepo) CreateUser(ctx context.Context, user User) error {
	if f.createErr != nil {
		return f.createErr
	}
	for _, u := range f.users {
		if u.Username == user.Username {
			return errors.New("duplicate")
		}
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeRepo) FindUserByUsername(ctx context.Context, username string) (User, error) {
	if f.findErr != nil {
		return User{}, f.findErr
	}
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (f *fakeRepo) FindUserByID(ctx context.Context, userID string) (User, error) {
	u, ok := f.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (f *fakeRepo) CreateOrganization(ctx context.Context, org Organization, creatorUserID string) error {
	f.orgs[org.ID] = org
	if f.members[org.ID] == nil {
		f.members[org.ID] = map[string]string{}
	}
	f.members[org.ID][creatorUserID] = RoleOwner
	return nil
}

func (f *fakeRepo) DeleteOrganization(ctx context.Context, orgID string) error {
	if _, ok := f.orgs[orgID]; !ok {
		return ErrNotFound
	}
	delete(f.orgs, orgID)
	delete(f.members, orgID)
	return nil
}

func (f *fakeRepo) AddUserToOrgWithRole(ctx context.Context, orgID, userID, role string) error {
	if f.members[orgID] == nil {
		f.members[orgID] = map[string]string{}
	}
	f.members[orgID][userID] = role
	return nil
}

func (f *fakeRepo) AddUserToOrgByUsernameWithRole(ctx context.Context, orgID, username, role string) error {
	for _, u := range f.users {
		if u.Username == username {
			return f.AddUserToOrgWithRole(ctx, orgID, u.ID, role)
		}
	}
	return ErrNotFound
}

func (f *fakeRepo) SetUserRoleByUsername(ctx context.Context, orgID, username, role string) error {
	for _, u := range f.users {
		if u.Username == username {
			if f.members[orgID] == nil {
				f.members[orgID] = map[string]string{}
			}
			if _, exists := f.members[orgID][u.ID]; !exists {
				return ErrNotFound
			}
			f.members[orgID][u.ID] = role
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeRepo) GetMembershipRole(ctx context.Context, userID, orgID string) (string, error) {
	if f.memberErr != nil {
		return "", f.memberErr
	}
	role := f.members[orgID][userID]
	if role == "" {
		return "", ErrNotFound
	}
	return role, nil
}

func (f *fakeRepo) ListOrganizationsForUser(ctx context.Context, userID string) ([]OrgMembership, error) {
	out := []OrgMembership{}
	for orgID, users := range f.members {
		if role, ok := users[userID]; ok {
			org := f.orgs[orgID]
			out = append(out, OrgMembership{OrgID: orgID, OrgName: org.Name, Role: role})
		}
	}
	return out, nil
}

func (f *fakeRepo) SetAgentEnabled(ctx context.Context, orgID string, enabled bool) error {
	org, ok := f.orgs[orgID]
	if !ok {
		return ErrNotFound
	}
	org.AgentEnabled = enabled
	f.orgs[orgID] = org
	return nil
}

func (f *fakeRepo) IsAgentEnabled(ctx context.Context, orgID string) (bool, error) {
	org, ok := f.orgs[orgID]
	if !ok {
		return false, ErrNotFound
	}
	return org.AgentEnabled, nil
}

func (f *fakeRepo) CreateRefreshToken(ctx context.Context, token RefreshToken) error {
	f.refreshByHash[token.TokenHash] = token
	return nil
}

func (f *fakeRepo) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	rt, ok := f.refreshByHash[tokenHash]
	if !ok || rt.RevokedAt != nil {
		return RefreshToken{}, ErrNotFound
	}
	return rt, nil
}

func (f *fakeRepo) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	now := time.Now().UTC()
	for hash, rt := range f.refreshByHash {
		if rt.TokenID == tokenID {
			rt.RevokedAt = &now
			f.refreshByHash[hash] = rt
		}
	}
	return nil
}

func newServiceForTests(repo *fakeRepo) *Service {
	mgr := auth.NewManager("secret", time.Hour)
	mgr.Now = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }
	svc := NewService(repo, mgr)
	ids := 0
	svc.NewID = func() string {
		ids++
		return "id-" + strconv.Itoa(ids)
	}
	return svc
}

func TestRegisterAndLogin(t *testing.T) {
	repo := newFakeRepo()
	svc := newServiceForTests(repo)

	resp, err := svc.Register(context.Background(), "Alice", "password123")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if resp.Username != "alice" || resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatalf("unexpected register response: %+v", resp)
	}

	if _, err := svc.Login(context.Background(), "alice", "password123"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if _, err := svc.Login(context.Background(), "alice", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRegister_RejectsShortPassword(t *testing.T) {
	svc := newServiceForTests(newFakeRepo())
	if _, err := svc.Register(context.Background(), "bob", "short"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestCreateOrganization_DefaultsAgentEnabled(t *testing.T) {
	repo := newFakeRepo()
	svc := newServiceForTests(repo)

	org, err := svc.CreateOrganization(context.Background(), "u1", "Acme")
	if err != nil {
		t.Fatalf("CreateOrganization returned error: %v", err)
	}
	if !org.AgentEnabled {
		t.Fatal("expected agent feature enabled by default")
	}
	role, err := svc.MembershipRole(context.Background(), "u1", org.ID)
	if err != nil || role != RoleOwner {
		t.Fatalf("expected owner role for creator, got %q err=%v", role, err)
	}
}

func TestSetAgentEnabled_RequiresElevatedRole(t *testing.T) {
	repo := newFakeRepo()
	svc := newServiceForTests(repo)
	org, err := svc.CreateOrganization(context.Background(), "owner-1", "Acme")
	if err != nil {
		t.Fatalf("CreateOrganization returned error: %v", err)
	}
	if err := repo.AddUserToOrgWithRole(context.Background(), org.ID, "member-1", RoleMember); err != nil {
		t.Fatalf("seed member: %v", err)
	}

	if err := svc.SetAgentEnabled(context.Background(), "member-1", org.ID, false); !errors.Is(err, ErrForbiddenRole) {
		t.Fatalf("expected ErrForbiddenRole, got %v", err)
	}
	if err := svc.SetAgentEnabled(context.Background(), "owner-1", org.ID, false); err != nil {
		t.Fatalf("owner toggle returned error: %v", err)
	}
	enabled, err := svc.AgentFeatureEnabled(context.Background(), org.ID)
	if err != nil || enabled {
		t.Fatalf("expected agent disabled, got %v err=%v", enabled, err)
	}
}

func TestAgentFeatureEnabled_UnknownOrgIsDisabled(t *testing.T) {
	svc := newServiceForTests(newFakeRepo())
	enabled, err := svc.AgentFeatureEnabled(context.Background(), "missing-org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enabled {
		t.Fatal("expected unknown org to report disabled")
	}
}

func TestAddMemberByUsername_RoleRules(t *testing.T) {
	repo := newFakeRepo()
	svc := newServiceForTests(repo)
	repo.users["u2"] = User{ID: "u2", Username: "bob"}
	org, err := svc.CreateOrganization(context.Background(), "u1", "Acme")
	if err != nil {
		t.Fatalf("CreateOrganization returned error: %v", err)
	}

	if err := svc.AddMemberByUsername(context.Background(), "u1", org.ID, "bob", RoleOwner); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole for owner grant, got %v", err)
	}
	if err := svc.AddMemberByUsername(context.Background(), "u1", org.ID, "bob", RoleAdmin); err != nil {
		t.Fatalf("owner granting admin returned error: %v", err)
	}
	if err := svc.AddMemberByUsername(context.Background(), "u2", org.ID, "bob", ""); err != nil {
		t.Fatalf("admin adding member returned error: %v", err)
	}
	if err := svc.AddMemberByUsername(context.Background(), "outsider", org.ID, "bob", ""); !errors.Is(err, ErrForbiddenOrg) {
		t.Fatalf("expected ErrForbiddenOrg, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	repo := newFakeRepo()
	svc := newServiceForTests(repo)

	resp, err := svc.Register(context.Background(), "alice", "password123")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	refreshed, err := svc.Refresh(context.Background(), resp.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if refreshed.RefreshToken == resp.RefreshToken {
		t.Fatal("expected a new refresh token")
	}
	if _, err := svc.Refresh(context.Background(), resp.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected old token to be revoked, got %v", err)
	}
}

func TestMembershipRole_NotAMember(t *testing.T) {
	svc := newServiceForTests(newFakeRepo())
	if _, err := svc.MembershipRole(context.Background(), "u1", "org-1"); !errors.Is(err, ErrForbiddenOrg) {
		t.Fatalf("expected ErrForbiddenOrg, got %v", err)
	}
}
