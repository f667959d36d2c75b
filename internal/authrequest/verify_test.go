package authrequest

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/aras-services/mailauthd/internal/cache"
	"github.com/aras-services/mailauthd/internal/domain"
	"github.com/aras-services/mailauthd/internal/passdb"
	"github.com/aras-services/mailauthd/internal/userdb"
)

func newPipeline(main, master []domain.PassdbEntry, userdbEntries []domain.UserdbEntry) *Pipeline {
	return &Pipeline{
		Passdb: passdb.NewChain(main, master),
		Userdb: userdb.NewChain(userdbEntries),
		Cache:  cache.New(1<<20, time.Hour, time.Minute),
		Config: Config{MasterUserSeparator: "*"},
	}
}

func newReq(p *Pipeline) *Request {
	r := New(p, domain.Peer{Service: "imap"}, noopMechanism{}, nil)
	return r
}

type noopMechanism struct{}

func (noopMechanism) Initial(r *Request, data []byte)  {}
func (noopMechanism) Continue(r *Request, data []byte) {}

// TestVerifyPlainBasicSuccess is spec example 1: a single passdb, correct
// password, OK with extra fields carried onto the request.
func TestVerifyPlainBasicSuccess(t *testing.T) {
	sql := &passdb.StaticDriver{
		NameStr: "sql",
		Mode:    passdb.ModeVerify,
		Users: map[string]passdb.StaticUser{
			"alice": {Credential: "{PLAIN}hunter2", ExtraFields: map[string]string{"uid": "1000"}},
		},
	}
	p := newPipeline([]domain.PassdbEntry{{ID: 1, Driver: sql}}, nil, nil)
	r := newReq(p)
	if err := r.SetUsername("alice"); err != nil {
		t.Fatalf("SetUsername: %v", err)
	}

	var got domain.PassResult
	r.VerifyPlain(context.Background(), "hunter2", func(res domain.PassResult) { got = res })
	if got != domain.PassOK {
		t.Fatalf("got %v, want OK", got)
	}
}

// TestVerifyPlainChainAdvancesPastUnknownUser is spec example 2: the
// first passdb doesn't know the user, the second does and succeeds.
func TestVerifyPlainChainAdvancesPastUnknownUser(t *testing.T) {
	first := &passdb.StaticDriver{NameStr: "ldap", Mode: passdb.ModeVerify, Users: map[string]passdb.StaticUser{}}
	second := &passdb.StaticDriver{
		NameStr: "sql",
		Mode:    passdb.ModeVerify,
		Users:   map[string]passdb.StaticUser{"bob": {Credential: "{PLAIN}secret"}},
	}
	p := newPipeline([]domain.PassdbEntry{{ID: 1, Driver: first}, {ID: 2, Driver: second}}, nil, nil)
	r := newReq(p)
	_ = r.SetUsername("bob")

	var got domain.PassResult
	r.VerifyPlain(context.Background(), "secret", func(res domain.PassResult) { got = res })
	if got != domain.PassOK {
		t.Fatalf("got %v, want OK", got)
	}
}

// TestVerifyPlainDenyBlocksUser is spec example 3: a deny passdb matching
// the user always wins, even though a later passdb would accept.
func TestVerifyPlainDenyBlocksUser(t *testing.T) {
	deny := &passdb.StaticDriver{
		NameStr: "denylist",
		Mode:    passdb.ModeExists,
		Users:   map[string]passdb.StaticUser{"eve": {}},
	}
	main := &passdb.StaticDriver{
		NameStr: "sql",
		Mode:    passdb.ModeVerify,
		Users:   map[string]passdb.StaticUser{"eve": {Credential: "{PLAIN}whatever"}},
	}
	p := newPipeline([]domain.PassdbEntry{
		{ID: 1, Driver: deny, Deny: true},
		{ID: 2, Driver: main},
	}, nil, nil)
	r := newReq(p)
	_ = r.SetUsername("eve")

	var got domain.PassResult
	r.VerifyPlain(context.Background(), "whatever", func(res domain.PassResult) { got = res })
	if got != domain.PassUserDisabled {
		t.Fatalf("got %v, want USER_DISABLED", got)
	}
}

// failingDriver always reports INTERNAL_FAILURE and is used to exercise
// the expired-cache fallback (spec example 4).
type failingDriver struct {
	name string
	tmpl string
}

func (d *failingDriver) Name() string             { return d.name }
func (d *failingDriver) CacheKeyTemplate() string  { return d.tmpl }
func (d *failingDriver) DefaultScheme() string     { return "PLAIN" }
func (d *failingDriver) Blocking() bool            { return false }
func (d *failingDriver) VerifyPlain(ctx context.Context, req *domain.Request, password string, cb domain.PassdbCallback) {
	cb(domain.PassInternalFailure)
}

func TestVerifyPlainFallsBackToExpiredCacheOnInternalFailure(t *testing.T) {
	fd := &failingDriver{name: "flaky", tmpl: "%u"}
	p := newPipeline([]domain.PassdbEntry{{ID: 1, Driver: fd}}, nil, nil)
	p.Cache = cache.New(1<<20, -time.Second, -time.Second) // already-expired TTL

	key := "flaky\x00carol"
	p.Cache.Insert(key, "{PLAIN}oldsecret\tuid=500", false, true)

	r := newReq(p)
	_ = r.SetUsername("carol")

	var got domain.PassResult
	r.VerifyPlain(context.Background(), "oldsecret", func(res domain.PassResult) { got = res })
	if got != domain.PassOK {
		t.Fatalf("got %v, want OK from expired-cache fallback", got)
	}
}

// TestVerifyPlainMasterUserSubstitution is spec example 5: "admin*bob"
// verifies the master candidate against the master chain and, since the
// master entry has no pass flag, stops with OK as "bob" without
// consulting the main chain.
func TestVerifyPlainMasterUserSubstitution(t *testing.T) {
	masterDB := &passdb.StaticDriver{
		NameStr: "master-sql",
		Mode:    passdb.ModeVerify,
		Users:   map[string]passdb.StaticUser{"admin": {Credential: "{PLAIN}admpw"}},
	}
	mainDB := &passdb.StaticDriver{
		NameStr: "sql",
		Mode:    passdb.ModeVerify,
		Users:   map[string]passdb.StaticUser{"bob": {Credential: "{PLAIN}bobpw", ExtraFields: map[string]string{"uid": "42"}}},
	}
	p := newPipeline(
		[]domain.PassdbEntry{{ID: 1, Driver: mainDB}},
		[]domain.PassdbEntry{{ID: 2, Driver: masterDB, Master: true}},
		nil,
	)
	r := newReq(p)
	if err := r.SetUsername("admin*bob"); err != nil {
		t.Fatalf("SetUsername: %v", err)
	}

	var got domain.PassResult
	r.VerifyPlain(context.Background(), "admpw", func(res domain.PassResult) { got = res })
	if got != domain.PassOK {
		t.Fatalf("got %v, want OK", got)
	}
	if r.req.User != "bob" {
		t.Fatalf("User = %q, want bob", r.req.User)
	}
	if r.req.MasterUser != "admin" {
		t.Fatalf("MasterUser = %q, want admin", r.req.MasterUser)
	}
}

func TestVerifyPlainMasterUserUnknownWithoutMasterChain(t *testing.T) {
	mainDB := &passdb.StaticDriver{NameStr: "sql", Mode: passdb.ModeVerify, Users: map[string]passdb.StaticUser{}}
	p := newPipeline([]domain.PassdbEntry{{ID: 1, Driver: mainDB}}, nil, nil)
	r := newReq(p)
	_ = r.SetUsername("admin*bob")

	var got domain.PassResult
	r.VerifyPlain(context.Background(), "whatever", func(res domain.PassResult) { got = res })
	if got != domain.PassUserUnknown {
		t.Fatalf("got %v, want USER_UNKNOWN", got)
	}
}

// TestSetFieldAllowNetsUsesPerUserValue is spec §4.G set_field: allow_nets
// is a per-user CIDR list the passdb itself returns, not a pipeline-wide
// setting, so two requests with different allow_nets values must be
// checked independently against the same peer.
func TestSetFieldAllowNetsUsesPerUserValue(t *testing.T) {
	p := newPipeline(nil, nil, nil)

	inNet := newReq(p)
	inNet.req.Peer.RemoteIP = netip.MustParseAddr("10.1.2.3")
	if err := inNet.SetField("allow_nets", "10.0.0.0/8, 192.168.0.0/16", "PLAIN"); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	if inNet.req.Flags.PassdbFailure {
		t.Fatal("expected no passdb_failure for an IP inside the allowed network")
	}

	outOfNet := newReq(p)
	outOfNet.req.Peer.RemoteIP = netip.MustParseAddr("203.0.113.9")
	if err := outOfNet.SetField("allow_nets", "10.0.0.0/8, 192.168.0.0/16", "PLAIN"); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	if !outOfNet.req.Flags.PassdbFailure {
		t.Fatal("expected passdb_failure for an IP outside every allowed network")
	}

	// A different request for a different user, with a different
	// allow_nets value, must not be influenced by the above.
	otherUser := newReq(p)
	otherUser.req.Peer.RemoteIP = netip.MustParseAddr("203.0.113.9")
	if err := otherUser.SetField("allow_nets", "203.0.113.0/24", "PLAIN"); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	if otherUser.req.Flags.PassdbFailure {
		t.Fatal("expected no passdb_failure when this user's own allow_nets covers the peer IP")
	}
}

func TestLookupUserAdvancesOnNotFoundAndFindsSecond(t *testing.T) {
	first := &userdb.StaticDriver{NameStr: "ldap", Users: map[string]map[string]string{}}
	second := &userdb.StaticDriver{NameStr: "sql", Users: map[string]map[string]string{
		"dave": {"uid": "77", "home": "/home/dave"},
	}}
	p := newPipeline(nil, nil, []domain.UserdbEntry{{ID: 1, Driver: first}, {ID: 2, Driver: second}})
	r := newReq(p)
	_ = r.SetUsername("dave")

	var got domain.UserResult
	r.LookupUser(context.Background(), func(res domain.UserResult) { got = res })
	if got != domain.UserOK {
		t.Fatalf("got %v, want OK", got)
	}
}

func TestLookupUserExhaustsChain(t *testing.T) {
	only := &userdb.StaticDriver{NameStr: "sql", Users: map[string]map[string]string{}}
	p := newPipeline(nil, nil, []domain.UserdbEntry{{ID: 1, Driver: only}})
	r := newReq(p)
	_ = r.SetUsername("nobody")

	var got domain.UserResult
	r.LookupUser(context.Background(), func(res domain.UserResult) { got = res })
	if got != domain.UserNotFound {
		t.Fatalf("got %v, want NOTFOUND", got)
	}
}

func TestDecideChainActionTable(t *testing.T) {
	denyEntry := domain.PassdbEntry{Deny: true}
	passEntry := domain.PassdbEntry{Pass: true}
	plainEntry := domain.PassdbEntry{}

	cases := []struct {
		name             string
		entry            domain.PassdbEntry
		result           domain.PassResult
		masterRequested  bool
		hasNext          bool
		rememberedBefore bool
		wantAction       chainAction
		wantRemembered   bool
	}{
		{"deny+unknown advances", denyEntry, domain.PassUserUnknown, false, true, false, actionAdvance, false},
		{"deny+internal_failure is fatal", denyEntry, domain.PassInternalFailure, false, true, false, actionStopFatalInternalFailure, false},
		{"deny+ok forces disabled", denyEntry, domain.PassOK, false, true, false, actionStopForceUserDisabled, false},
		{"deny+mismatch forces disabled", denyEntry, domain.PassPasswordMismatch, false, false, false, actionStopForceUserDisabled, false},
		{"ok+master pending finishes", plainEntry, domain.PassOK, true, false, false, actionMasterFinish, false},
		{"pass+ok advances", passEntry, domain.PassOK, false, true, false, actionAdvance, false},
		{"ok stops success", plainEntry, domain.PassOK, false, true, false, actionStopSuccess, false},
		{"user_disabled stops final", plainEntry, domain.PassUserDisabled, false, true, false, actionStopFinal, false},
		{"unknown with next advances", plainEntry, domain.PassUserUnknown, false, true, false, actionAdvance, false},
		{"unknown exhausted stops final", plainEntry, domain.PassUserUnknown, false, false, false, actionStopFinal, false},
		{"internal_failure exhausted remembers", plainEntry, domain.PassInternalFailure, false, false, false, actionStopFinal, true},
		{"internal_failure with next remembers and advances", plainEntry, domain.PassInternalFailure, false, true, false, actionAdvance, true},
		{"remembered failure persists across advance", plainEntry, domain.PassUserUnknown, false, true, true, actionAdvance, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			action, remembered := decideChainAction(tc.entry, tc.result, tc.masterRequested, tc.hasNext, tc.rememberedBefore)
			if action != tc.wantAction {
				t.Errorf("action = %v, want %v", action, tc.wantAction)
			}
			if remembered != tc.wantRemembered {
				t.Errorf("remembered = %v, want %v", remembered, tc.wantRemembered)
			}
		})
	}
}
