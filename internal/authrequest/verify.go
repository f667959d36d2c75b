package authrequest

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/aras-services/mailauthd/internal/credential"
	"github.com/aras-services/mailauthd/internal/domain"
	"github.com/aras-services/mailauthd/internal/replybuffer"
	"github.com/aras-services/mailauthd/internal/wireproto"
)

// opMode selects which of the three structurally-identical passdb
// operations (spec §4.G: "lookup_credentials is structurally identical
// [to verify_plain] up to the result shape") the chain walk is running.
type opMode int

const (
	opVerify opMode = iota
	opLookup
	opSetCred
)

// VerifyPlain asks the passdb chain to verify password (spec §4.G
// verify_plain). cb is invoked exactly once with the final result.
func (r *Request) VerifyPlain(ctx context.Context, password string, cb func(domain.PassResult)) {
	r.req.Phase = domain.PhasePassdb
	cb(r.walk(ctx, opVerify, password))
}

// LookupCredentials asks the passdb chain for a credential in scheme
// (spec §4.G lookup_credentials). An empty scheme means "any".
func (r *Request) LookupCredentials(ctx context.Context, scheme string, cb func(domain.PassResult)) {
	r.req.Phase = domain.PhasePassdb
	r.req.RequestedScheme = scheme
	cb(r.walk(ctx, opLookup, ""))
}

// SetCredentials changes a user's stored credential (SPEC_FULL.md
// supplemented feature). Unlike verify/lookup it is not cached and does
// not run the chain-policy table: the first passdb that doesn't report
// USER_UNKNOWN decides the result. A non-blocking passdb that does not
// implement CredentialSetterDriver yields INTERNAL_FAILURE, as does a
// chain in which every passdb reports USER_UNKNOWN.
func (r *Request) SetCredentials(ctx context.Context, newCredential string, cb func(domain.PassResult)) {
	r.req.Phase = domain.PhasePassdb
	for cursor := 0; ; cursor++ {
		entry, ok := r.pipeline.Passdb.At(cursor)
		if !ok {
			cb(domain.PassInternalFailure)
			return
		}
		result := r.dispatchSetCred(ctx, entry, newCredential)
		if result == domain.PassUserUnknown {
			continue
		}
		cb(result)
		return
	}
}

// walk runs the shared verify_plain/lookup_credentials algorithm (spec
// §4.G steps 1-5, chain policy table, master-lookup finish).
func (r *Request) walk(ctx context.Context, mode opMode, password string) domain.PassResult {
	if r.masterSubstitutionPending {
		r.usingMasterChain = true
		if !r.pipeline.Passdb.HasMaster() {
			return domain.PassUserUnknown
		}
	}

	for {
		entry, ok := r.currentEntry()
		if !ok {
			return domain.PassInternalFailure
		}

		result := r.resolveAtEntry(ctx, entry, mode, password)
		hasNext := r.hasNextEntry()
		masterRequested := r.masterSubstitutionPending

		action, remembered := decideChainAction(entry, result, masterRequested, hasNext, r.rememberedInternalFailure)
		r.rememberedInternalFailure = remembered

		switch action {
		case actionAdvance:
			r.advanceCursor()
			r.req.ResetExtraFields()
			continue
		case actionStopSuccess:
			return domain.PassOK
		case actionStopForceUserDisabled:
			return domain.PassUserDisabled
		case actionStopFatalInternalFailure:
			return domain.PassInternalFailure
		case actionMasterFinish:
			if cont := r.masterLookupFinish(ctx, entry); cont {
				continue
			}
			return domain.PassOK
		default: // actionStopFinal
			if r.rememberedInternalFailure {
				return domain.PassInternalFailure
			}
			return result
		}
	}
}

func (r *Request) currentEntry() (domain.PassdbEntry, bool) {
	if r.usingMasterChain {
		return r.pipeline.Passdb.MasterAt(r.req.PassdbCursor)
	}
	return r.pipeline.Passdb.At(r.req.PassdbCursor)
}

func (r *Request) hasNextEntry() bool {
	if r.usingMasterChain {
		_, ok := r.pipeline.Passdb.MasterAt(r.req.PassdbCursor + 1)
		return ok
	}
	_, ok := r.pipeline.Passdb.At(r.req.PassdbCursor + 1)
	return ok
}

func (r *Request) advanceCursor() { r.req.PassdbCursor++ }

// chainAction is the outcome of applying the chain-policy table to one
// cursor entry and its result (spec §4.G Chain policy).
type chainAction int

const (
	actionAdvance chainAction = iota
	actionStopSuccess
	actionStopForceUserDisabled
	actionStopFatalInternalFailure
	actionMasterFinish
	actionStopFinal
)

// decideChainAction applies the chain-policy table row by row, in the
// order it is written in spec §4.G (deny rows take precedence since a
// deny entry is never itself the master-lookup target).
func decideChainAction(entry domain.PassdbEntry, result domain.PassResult, masterRequested, hasNext, rememberedFailure bool) (chainAction, bool) {
	if entry.Deny {
		switch result {
		case domain.PassUserUnknown:
			return actionAdvance, rememberedFailure
		case domain.PassInternalFailure:
			return actionStopFatalInternalFailure, rememberedFailure
		default:
			return actionStopForceUserDisabled, rememberedFailure
		}
	}
	if result == domain.PassOK && masterRequested {
		return actionMasterFinish, rememberedFailure
	}
	if entry.Pass && result == domain.PassOK {
		return actionAdvance, rememberedFailure
	}
	if result == domain.PassOK {
		return actionStopSuccess, rememberedFailure
	}
	if result == domain.PassUserDisabled {
		return actionStopFinal, rememberedFailure
	}
	newRemembered := rememberedFailure || result == domain.PassInternalFailure
	if hasNext {
		return actionAdvance, newRemembered
	}
	return actionStopFinal, newRemembered
}

// masterLookupFinish runs spec §4.G's "Master-lookup finish" and reports
// whether the walk should continue (rewound to the main chain) or stop
// with OK.
func (r *Request) masterLookupFinish(ctx context.Context, masterEntry domain.PassdbEntry) (continueWalk bool) {
	r.pipeline.logger().Info("master-user login",
		zap.String("master_user", r.req.User),
		zap.String("login_user", r.req.RequestedLoginUser),
		zap.String("service", r.req.Peer.Service),
	)
	if r.pipeline.Audit != nil {
		r.pipeline.Audit.LogMasterLogin(ctx, r.req.User, r.req.RequestedLoginUser, r.req.Peer.Service)
	}

	r.req.MasterUser = r.req.User
	r.req.User = r.req.RequestedLoginUser
	r.req.RequestedLoginUser = ""
	r.req.Flags.SkipPasswordCheck = true
	r.req.Password.Wipe()
	r.masterSubstitutionPending = false

	if !masterEntry.Pass {
		return false
	}
	r.usingMasterChain = false
	r.req.PassdbCursor = 0
	r.req.ResetExtraFields()
	return true
}

// resolveAtEntry runs spec §4.G steps 2-4 for one cursor entry: cache
// consultation, live dispatch, caching of the outcome, and the
// expired-cache fallback on INTERNAL_FAILURE.
func (r *Request) resolveAtEntry(ctx context.Context, entry domain.PassdbEntry, mode opMode, password string) domain.PassResult {
	key := ""
	if mode != opSetCred && r.pipeline.Cache != nil {
		key = cacheKeyFor(entry.Driver.Name(), entry.Driver.CacheKeyTemplate(), r.req)
	}

	if key != "" {
		if value, negative, _, hit, _ := r.pipeline.Cache.Lookup(key, false); hit {
			return r.resultFromCacheHit(mode, value, negative, password)
		}
	}

	result := r.dispatchLive(ctx, entry, mode, password)

	if result == domain.PassInternalFailure && key != "" {
		if value, negative, _, hit, expired := r.pipeline.Cache.Lookup(key, true); hit && expired {
			r.pipeline.logger().Warn("passdb internal failure, falling back to expired cache entry",
				zap.String("passdb", entry.Driver.Name()))
			return r.resultFromCacheHit(mode, value, negative, password)
		}
		return result
	}

	if key != "" && result != domain.PassInternalFailure && result != domain.PassUserDisabled && result != domain.PassSchemeNotAvailable {
		r.storeCacheEntry(key, mode, result)
	}
	return result
}

func (r *Request) resultFromCacheHit(mode opMode, value string, negative bool, password string) domain.PassResult {
	if negative {
		return domain.PassUserUnknown
	}

	passwordField, extra := "", value
	if idx := strings.IndexByte(value, '\t'); idx >= 0 {
		passwordField, extra = value[:idx], value[idx+1:]
	}
	for _, rec := range replybuffer.Split(extra) {
		if rec.HasKV {
			r.req.ExtraFields.AddKV(rec.Key, rec.Value)
		} else {
			r.req.ExtraFields.Add(rec.Key)
		}
	}

	if mode == opLookup {
		scheme, value := credential.ParseTagged(passwordField)
		out, resolved, err := credential.Translate(scheme, value, r.req.RequestedScheme, r.req.OriginalUsername, credential.Options{})
		if err != nil {
			return domain.PassSchemeNotAvailable
		}
		r.req.Credential = domain.NewSecret(out)
		r.req.CredentialScheme = resolved
		return domain.PassOK
	}

	if passwordField == "" {
		return domain.PassOK
	}
	match, err := credential.Verify(passwordField, password, r.req.OriginalUsername)
	if err != nil {
		return domain.PassSchemeNotAvailable
	}
	if !match {
		return domain.PassPasswordMismatch
	}
	return domain.PassOK
}

func (r *Request) storeCacheEntry(key string, mode opMode, result domain.PassResult) {
	negative := result == domain.PassUserUnknown
	if negative {
		r.pipeline.Cache.Insert(key, "", true, false)
		return
	}
	passwordField := ""
	if !r.req.Credential.Empty() {
		passwordField = credential.Tag(r.req.CredentialScheme, r.req.Credential.String())
	}
	if passwordField == "" && result != domain.PassOK {
		return
	}
	value := passwordField + "\t" + r.req.ExtraFields.String()
	r.pipeline.Cache.Insert(key, value, false, result == domain.PassOK)
}

func (r *Request) dispatchLive(ctx context.Context, entry domain.PassdbEntry, mode opMode, password string) domain.PassResult {
	switch mode {
	case opVerify:
		if entry.Driver.Blocking() && r.pipeline.Worker != nil {
			return r.dispatchWorkerVerify(ctx, entry, password)
		}
		resultCh := make(chan domain.PassResult, 1)
		entry.Driver.VerifyPlain(ctx, r.req, password, func(res domain.PassResult) { resultCh <- res })
		return <-resultCh
	case opLookup:
		if entry.Driver.Blocking() && r.pipeline.Worker != nil {
			return r.dispatchWorkerLookup(ctx, entry)
		}
		l, ok := entry.Driver.(domain.CredentialLookupDriver)
		if !ok {
			return domain.PassSchemeNotAvailable
		}
		resultCh := make(chan domain.PassResult, 1)
		l.LookupCredentials(ctx, r.req, func(res domain.PassResult) { resultCh <- res })
		return <-resultCh
	default:
		return domain.PassInternalFailure
	}
}

func (r *Request) dispatchSetCred(ctx context.Context, entry domain.PassdbEntry, newCredential string) domain.PassResult {
	if entry.Driver.Blocking() && r.pipeline.Worker != nil {
		return r.dispatchWorkerSetCred(ctx, entry, newCredential)
	}
	s, ok := entry.Driver.(domain.CredentialSetterDriver)
	if !ok {
		return domain.PassInternalFailure
	}
	resultCh := make(chan domain.PassResult, 1)
	s.SetCredentials(ctx, r.req, newCredential, func(res domain.PassResult) { resultCh <- res })
	return <-resultCh
}

func (r *Request) dispatchWorkerVerify(ctx context.Context, entry domain.PassdbEntry, password string) domain.PassResult {
	extra := r.req.ExtraFields.String()
	reply, err := r.pipeline.Worker.Call(ctx, 0, func(id uint64) string {
		return wireproto.EncodePASSV(id, entry.ID, r.req.User, password, extra)
	})
	return r.applyWorkerReply(reply, err)
}

func (r *Request) dispatchWorkerLookup(ctx context.Context, entry domain.PassdbEntry) domain.PassResult {
	extra := r.req.ExtraFields.String()
	reply, err := r.pipeline.Worker.Call(ctx, 0, func(id uint64) string {
		return wireproto.EncodePASSL(id, entry.ID, r.req.User, r.req.RequestedScheme, extra)
	})
	return r.applyWorkerReply(reply, err)
}

func (r *Request) dispatchWorkerSetCred(ctx context.Context, entry domain.PassdbEntry, newCredential string) domain.PassResult {
	extra := r.req.ExtraFields.String()
	reply, err := r.pipeline.Worker.Call(ctx, 0, func(id uint64) string {
		return wireproto.EncodeSETCRED(id, entry.ID, r.req.User, newCredential, extra)
	})
	return r.applyWorkerReply(reply, err)
}

func (r *Request) applyWorkerReply(reply wireproto.Reply, err error) domain.PassResult {
	if err != nil {
		r.pipeline.logger().Warn("worker dispatch failed", zap.Error(err))
		return domain.PassInternalFailure
	}
	switch reply.Kind {
	case wireproto.ReplyOK:
		r.applyWorkerFields(reply.Fields)
		return domain.PassOK
	case wireproto.ReplyFAIL:
		res, ok := domain.PassResultFromWireCode(reply.Code)
		if !ok {
			return domain.PassInternalFailure
		}
		return res
	default:
		return domain.PassInternalFailure
	}
}

func (r *Request) applyWorkerFields(fields string) {
	credValue, scheme := "", ""
	for _, rec := range replybuffer.Split(fields) {
		switch rec.Key {
		case "credentials":
			credValue = rec.Value
		case "scheme":
			scheme = rec.Value
		default:
			if rec.HasKV {
				r.req.ExtraFields.AddKV(rec.Key, rec.Value)
			} else {
				r.req.ExtraFields.Add(rec.Key)
			}
		}
	}
	if credValue != "" {
		r.req.Credential = domain.NewSecret(credValue)
		r.req.CredentialScheme = scheme
	}
}
