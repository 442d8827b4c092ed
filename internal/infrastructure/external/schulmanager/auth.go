package schulmanager

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/errgroup"

	"github.com/schulhub/schulsync/internal/domain/shared"
	"github.com/schulhub/schulsync/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// AUTHENTICATION
//
// The portal has no OAuth or API keys. Login replays what the frontend does
// in the browser: fetch a per-account salt, derive a PBKDF2 proof from the
// password, and exchange both for a JWT. Accounts spanning several schools
// get one JWT per school.
// ══════════════════════════════════════════════════════════════════════════════

const (
	// PBKDF2 parameters matching the portal frontend. KeyLen is in bytes;
	// the hex proof comes out at 1024 characters.
	pbkdf2Iterations = 99999
	pbkdf2KeyLen     = 512

	// maxParallelLogins bounds the discovery fan-out for multi-school
	// accounts. Each login costs two portal round trips.
	maxParallelLogins = 3
)

// Authenticator logs an account in and maintains its school memberships.
type Authenticator struct {
	client *Client
	logger *slog.Logger

	// allowedSchools restricts multi-school discovery; empty allows all
	allowedSchools map[int64]struct{}
}

// NewAuthenticator creates an Authenticator on top of the given client.
// schoolIDs is an optional allowlist for multi-school accounts.
func NewAuthenticator(client *Client, schoolIDs []int64, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}

	var allowed map[int64]struct{}
	if len(schoolIDs) > 0 {
		allowed = make(map[int64]struct{}, len(schoolIDs))
		for _, id := range schoolIDs {
			allowed[id] = struct{}{}
		}
	}

	return &Authenticator{
		client:         client,
		logger:         logger,
		allowedSchools: allowed,
	}
}

// EnsureAuthenticated brings every school membership of the account to a
// valid token, logging in only where needed. On first contact it discovers
// the account's schools and students. Returns the IDs of schools that were
// freshly logged in this call.
func (a *Authenticator) EnsureAuthenticated(ctx context.Context, acc *student.Account, password string) ([]shared.SchoolID, error) {
	now := time.Now()

	if len(acc.Memberships) == 0 {
		return a.discover(ctx, acc, password)
	}

	var (
		renewed []shared.SchoolID
		errs    []error
	)

	for i := range acc.Memberships {
		m := &acc.Memberships[i]
		if m.HasToken(now) {
			continue
		}

		fresh, err := a.loginSchool(ctx, acc.Login, password, m.SchoolID.Int64(), m.Label)
		if err != nil {
			a.logger.Warn("school re-login failed",
				"login", acc.Login, "school_id", m.SchoolID.Int64(), "error", err)
			errs = append(errs, fmt.Errorf("school %d: %w", m.SchoolID.Int64(), err))
			continue
		}

		acc.UpsertMembership(fresh)
		renewed = append(renewed, fresh.SchoolID)
	}

	if len(errs) > 0 && !hasUsableMembership(acc, now) {
		return nil, shared.WrapError("session", "EnsureAuthenticated", shared.ErrUnauthorized,
			fmt.Sprintf("re-login failed for every school of %q", acc.Login), errors.Join(errs...))
	}

	return renewed, nil
}

// discover performs the first login of an account: without an institution
// the portal either issues a session directly or answers with the list of
// schools the account belongs to.
func (a *Authenticator) discover(ctx context.Context, acc *student.Account, password string) ([]shared.SchoolID, error) {
	resp, err := a.login(ctx, acc.Login, password, nil)
	if err != nil {
		return nil, err
	}

	if !resp.IsMultiSchool() {
		m, err := a.membershipFromLogin(resp, 0, "")
		if err != nil {
			return nil, err
		}
		acc.UpsertMembership(m)
		a.logger.Info("account resolved to single school",
			"login", acc.Login, "school_id", m.SchoolID.Int64(), "students", len(m.Students))
		return []shared.SchoolID{m.SchoolID}, nil
	}

	schools := a.filterSchools(resp.MultipleAccounts)
	if len(schools) == 0 {
		return nil, shared.WrapError("session", "Discover", shared.ErrNotFound,
			fmt.Sprintf("none of the %d schools of %q are allowed", len(resp.MultipleAccounts), acc.Login),
			shared.ErrNoSchoolMembership)
	}

	// One login per school. A school that is down must not take its
	// siblings down with it, so the group collects instead of cancelling.
	var (
		mu          sync.Mutex
		memberships []student.SchoolMembership
		errs        []error
	)

	var g errgroup.Group
	g.SetLimit(maxParallelLogins)

	for _, school := range schools {
		school := school
		g.Go(func() error {
			m, err := a.loginSchool(ctx, acc.Login, password, school.ID, school.Label)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				a.logger.Warn("school login failed",
					"login", acc.Login, "school_id", school.ID, "error", err)
				errs = append(errs, fmt.Errorf("school %d: %w", school.ID, err))
				return nil
			}
			memberships = append(memberships, m)
			return nil
		})
	}
	_ = g.Wait()

	if len(memberships) == 0 {
		return nil, shared.WrapError("session", "Discover", shared.ErrUnauthorized,
			fmt.Sprintf("login failed at every school of %q", acc.Login), errors.Join(errs...))
	}

	sort.Slice(memberships, func(i, j int) bool {
		return memberships[i].SchoolID.Int64() < memberships[j].SchoolID.Int64()
	})

	ids := make([]shared.SchoolID, 0, len(memberships))
	for _, m := range memberships {
		acc.UpsertMembership(m)
		ids = append(ids, m.SchoolID)
	}

	a.logger.Info("multi-school account resolved",
		"login", acc.Login, "schools", len(ids), "failed", len(errs))
	return ids, nil
}

// loginSchool logs in against one specific school.
func (a *Authenticator) loginSchool(ctx context.Context, login, password string, schoolID int64, label string) (student.SchoolMembership, error) {
	resp, err := a.login(ctx, login, password, &schoolID)
	if err != nil {
		return student.SchoolMembership{}, err
	}

	if resp.IsMultiSchool() {
		// The institution was explicit; another selection round means the
		// portal did not accept it.
		return student.SchoolMembership{}, shared.WrapError("session", "Login", shared.ErrInvalidState,
			fmt.Sprintf("school %d not accepted for %q", schoolID, login), shared.ErrMultiSchoolAmbiguous)
	}

	return a.membershipFromLogin(resp, schoolID, label)
}

// login runs the salt plus hash exchange. A nil institutionID lets the
// portal pick, which on multi-school accounts yields the school list.
func (a *Authenticator) login(ctx context.Context, login, password string, institutionID *int64) (*LoginResponse, error) {
	salt, err := a.fetchSalt(ctx, login)
	if err != nil {
		return nil, err
	}

	req := LoginRequest{
		EmailOrUsername: login,
		Password:        password,
		Hash:            loginHash(password, salt),
		MobileApp:       false,
		InstitutionID:   institutionID,
	}

	raw, err := a.client.doPost(ctx, "/api/login", "", req, shared.ErrAuthenticationFailed)
	if err != nil {
		return nil, err
	}

	var resp LoginResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, shared.WrapError("session", "Login", shared.ErrInvalidFormat,
			"undecodable login response", fmt.Errorf("%w: %v", shared.ErrMalformedResponse, err))
	}
	return &resp, nil
}

func (a *Authenticator) fetchSalt(ctx context.Context, login string) (string, error) {
	raw, err := a.client.doPost(ctx, "/api/get-salt", "", SaltRequest{EmailOrUsername: login}, shared.ErrAuthenticationFailed)
	if err != nil {
		return "", err
	}

	// The salt arrives as a JSON-encoded string; some deployments send it bare
	var salt string
	if err := json.Unmarshal(raw, &salt); err != nil {
		salt = strings.Trim(strings.TrimSpace(string(raw)), `"`)
	}
	if salt == "" {
		return "", shared.WrapError("session", "GetSalt", shared.ErrInvalidFormat,
			fmt.Sprintf("empty salt for %q", login), shared.ErrMalformedResponse)
	}
	return salt, nil
}

// membershipFromLogin turns a session-bearing login response into a school
// membership. wantSchool 0 takes the school from the user object.
func (a *Authenticator) membershipFromLogin(resp *LoginResponse, wantSchool int64, label string) (student.SchoolMembership, error) {
	if resp.JWT == "" || resp.User == nil {
		return student.SchoolMembership{}, shared.WrapError("session", "Login", shared.ErrUnauthorized,
			"login response carries no session", shared.ErrAuthenticationFailed)
	}

	schoolID := wantSchool
	if schoolID == 0 {
		schoolID = resp.User.InstitutionID
	}
	sid, err := shared.NewSchoolID(schoolID)
	if err != nil {
		return student.SchoolMembership{}, shared.WrapError("session", "Login", shared.ErrNotFound,
			"login response names no school", shared.ErrNoSchoolMembership)
	}

	return student.SchoolMembership{
		SchoolID:    sid,
		Label:       label,
		Students:    a.extractStudents(resp.User, schoolID),
		Token:       resp.JWT,
		TokenExpiry: tokenExpiry(resp.JWT),
		LoggedInAt:  time.Now(),
	}, nil
}

// extractStudents collects the students reachable from the user object:
// the children of a parent account plus the user's own student record.
func (a *Authenticator) extractStudents(user *UserDTO, schoolID int64) []*student.Student {
	var out []*student.Student
	seen := make(map[int64]struct{})

	add := func(dto *StudentDTO) {
		if dto == nil || dto.ID == 0 {
			return
		}
		if _, dup := seen[dto.ID]; dup {
			return
		}

		first, last := dto.FirstName, dto.LastName
		if strings.TrimSpace(first) == "" && strings.TrimSpace(last) == "" {
			// The portal omits names on some student accounts
			first = "Schüler"
		}

		st, err := student.NewStudent(student.NewStudentParams{
			ID:        dto.ID,
			SchoolID:  schoolID,
			ClassID:   dto.ClassID,
			FirstName: first,
			LastName:  last,
		})
		if err != nil {
			a.logger.Warn("skipping unusable student record",
				"student_id", dto.ID, "school_id", schoolID, "error", err)
			return
		}

		seen[dto.ID] = struct{}{}
		out = append(out, st)
	}

	for i := range user.AssociatedParents {
		add(user.AssociatedParents[i].Student)
	}
	add(user.AssociatedStudent)

	return out
}

func (a *Authenticator) filterSchools(schools []SchoolAccountDTO) []SchoolAccountDTO {
	if a.allowedSchools == nil {
		return schools
	}
	out := make([]SchoolAccountDTO, 0, len(schools))
	for _, s := range schools {
		if _, ok := a.allowedSchools[s.ID]; ok {
			out = append(out, s)
		}
	}
	return out
}

func hasUsableMembership(acc *student.Account, now time.Time) bool {
	for i := range acc.Memberships {
		if acc.Memberships[i].HasToken(now) {
			return true
		}
	}
	return false
}

// loginHash derives the login proof the portal frontend computes in the
// browser: PBKDF2-HMAC-SHA512 over the password and the account salt.
func loginHash(password, salt string) string {
	key := pbkdf2.Key(latin1Bytes(password), []byte(salt), pbkdf2Iterations, pbkdf2KeyLen, sha512.New)
	return hex.EncodeToString(key)
}

// latin1Bytes encodes the password the way the frontend does before hashing:
// Latin-1, with characters outside the range degraded to '?'.
func latin1Bytes(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			out = append(out, '?')
		} else {
			out = append(out, byte(r))
		}
	}
	return out
}

// tokenExpiry reads the exp claim without verifying the signature; the
// engine only needs the expiry to schedule re-login. Zero when unreadable.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
