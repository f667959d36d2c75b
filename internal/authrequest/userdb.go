package authrequest

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/aras-services/mailauthd/internal/domain"
	"github.com/aras-services/mailauthd/internal/wireproto"
)

// LookupUser runs the userdb enrichment phase (spec §4.G Userdb phase):
// advance the cursor on NOTFOUND, stop on the first OK or on chain
// exhaustion. Unlike the passdb walk there is no chain policy table here;
// every entry is tried in order until one answers or the chain runs out.
func (r *Request) LookupUser(ctx context.Context, cb func(domain.UserResult)) {
	r.req.Phase = domain.PhasePassdb
	for {
		entry, ok := r.pipeline.Userdb.At(r.req.UserdbCursor)
		if !ok {
			cb(domain.UserNotFound)
			return
		}

		result := r.resolveUserdbEntry(ctx, entry)
		switch result {
		case domain.UserOK:
			cb(domain.UserOK)
			return
		case domain.UserNotFound:
			r.req.UserdbCursor++
			continue
		default:
			cb(domain.UserInternalFailure)
			return
		}
	}
}

func (r *Request) resolveUserdbEntry(ctx context.Context, entry domain.UserdbEntry) domain.UserResult {
	key := ""
	if r.pipeline.Cache != nil {
		key = cacheKeyFor(entry.Driver.Name(), entry.Driver.CacheKeyTemplate(), r.req)
	}

	if key != "" {
		if value, negative, _, hit, _ := r.pipeline.Cache.Lookup(key, false); hit {
			if negative {
				return domain.UserNotFound
			}
			r.req.UserdbReply.Import(strings.TrimPrefix(value, "\t"))
			return domain.UserOK
		}
	}

	result := r.dispatchUserdbLive(ctx, entry)

	// Userdb cache values carry no password field, so the stored value is
	// prefixed with an empty one to satisfy Cache.Insert's wire invariant
	// (the same leading-TAB shape a passdb entry with no password uses).
	if key != "" && result == domain.UserNotFound {
		r.pipeline.Cache.Insert(key, "", true, false)
	} else if key != "" && result == domain.UserOK {
		r.pipeline.Cache.Insert(key, "\t"+r.req.UserdbReply.String(), false, true)
	}
	return result
}

func (r *Request) dispatchUserdbLive(ctx context.Context, entry domain.UserdbEntry) domain.UserResult {
	if entry.Driver.Blocking() && r.pipeline.Worker != nil {
		return r.dispatchWorkerUserLookup(ctx, entry)
	}
	resultCh := make(chan domain.UserResult, 1)
	entry.Driver.Lookup(ctx, r.req, func(res domain.UserResult) { resultCh <- res })
	return <-resultCh
}

func (r *Request) dispatchWorkerUserLookup(ctx context.Context, entry domain.UserdbEntry) domain.UserResult {
	reply, err := r.pipeline.Worker.Call(ctx, 0, func(id uint64) string {
		return wireproto.EncodeUSER(id, entry.ID, r.req.User)
	})
	if err != nil {
		r.pipeline.logger().Warn("worker userdb dispatch failed", zap.Error(err))
		return domain.UserInternalFailure
	}
	switch reply.Kind {
	case wireproto.ReplyOK:
		r.req.UserdbReply.Import(reply.Fields)
		return domain.UserOK
	case wireproto.ReplyNOTFOUND:
		return domain.UserNotFound
	default:
		return domain.UserInternalFailure
	}
}
