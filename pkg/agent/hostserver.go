package agent

import (
	"context"

	"lukechampine.com/blake3"

	"github.com/WebFirstLanguage/beenet/pkg/constants"
	"github.com/WebFirstLanguage/beenet/pkg/identity"
	"github.com/WebFirstLanguage/beenet/pkg/peersession"
	"github.com/WebFirstLanguage/beenet/pkg/store"
	"github.com/WebFirstLanguage/beenet/pkg/transport"
	"github.com/WebFirstLanguage/beenet/pkg/wire"
)

// serveListener accepts incoming peer sessions and serves PUT/GET/DELETE
// against st: this node's share of hosting other peers' backups, the
// mirror image of the Scheduler's own client-side PUT/GET calls.
func serveListener(ctx context.Context, ln transport.Listener, id *identity.Identity, st *store.Store) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			agentLog.WithField("error", err.Error()).Warn("accept failed")
			continue
		}

		go func() {
			sess, err := peersession.Accept(ctx, conn, id)
			if err != nil {
				agentLog.WithField("error", err.Error()).Warn("peer handshake failed")
				return
			}
			serveSession(ctx, sess, st)
		}()
	}
}

// serveSession dispatches frames from one authenticated peer until the
// session closes or the context is cancelled.
func serveSession(ctx context.Context, sess *peersession.Session, st *store.Store) {
	defer sess.Close()

	for {
		frame, err := sess.Recv(ctx)
		if err != nil {
			return
		}

		switch frame.Tag {
		case constants.TagPutBegin:
			servePut(ctx, sess, st, frame)
		case constants.TagGet:
			serveGet(sess, st, frame)
		case constants.TagDelete:
			serveDelete(st, frame)
		case constants.TagPing:
			var ping wire.PingBody
			if wire.DecodeBody(frame.Body, &ping) == nil {
				sess.Send(constants.TagPong, &wire.PongBody{Token: ping.Token})
			}
		default:
			agentLog.WithField("tag", frame.Tag).Warn("unexpected frame from peer, dropping session")
			return
		}
	}
}

// servePut receives one pack placement, verifying the announced hash
// before writing it into the local store, mirroring pkg/scheduler's
// client-side putPack in reverse.
func servePut(ctx context.Context, sess *peersession.Session, st *store.Store, begin *wire.BaseFrame) {
	var beginBody wire.PutBeginBody
	if err := wire.DecodeBody(begin.Body, &beginBody); err != nil {
		return
	}

	buf := make([]byte, 0, beginBody.Length)
	for uint64(len(buf)) < beginBody.Length {
		frame, err := sess.Recv(ctx)
		if err != nil {
			return
		}
		if frame.Tag != constants.TagPutData {
			sess.Send(constants.TagPutReject, &wire.PutRejectBody{ContentID: beginBody.ContentID, Reason: "expected PUT_DATA"})
			return
		}
		var data wire.PutDataBody
		if err := wire.DecodeBody(frame.Body, &data); err != nil {
			return
		}
		buf = append(buf, data.Data...)
	}

	endFrame, err := sess.Recv(ctx)
	if err != nil {
		return
	}
	var end wire.PutEndBody
	if err := wire.DecodeBody(endFrame.Body, &end); err != nil {
		return
	}

	hash := blake3.Sum256(buf)
	if string(end.Hash) != string(hash[:]) {
		sess.Send(constants.TagPutReject, &wire.PutRejectBody{ContentID: beginBody.ContentID, Reason: "hash mismatch"})
		return
	}

	w, err := st.Begin()
	if err != nil {
		sess.Send(constants.TagPutReject, &wire.PutRejectBody{ContentID: beginBody.ContentID, Reason: "storage unavailable"})
		return
	}
	if _, _, err := w.Append(beginBody.ContentID, buf); err != nil {
		sess.Send(constants.TagPutReject, &wire.PutRejectBody{ContentID: beginBody.ContentID, Reason: "write failed"})
		return
	}
	if _, err := w.Seal(); err != nil {
		sess.Send(constants.TagPutReject, &wire.PutRejectBody{ContentID: beginBody.ContentID, Reason: "seal failed"})
		return
	}

	sess.Send(constants.TagPutAck, &wire.PutAckBody{ContentID: beginBody.ContentID, Hash: hash[:]})
}

// serveGet answers a GET for a pack this node is hosting on another
// peer's behalf. Packs are addressed by id, so an incoming GET looks up
// the pack file directly rather than going through the chunk index.
func serveGet(sess *peersession.Session, st *store.Store, frame *wire.BaseFrame) {
	var get wire.GetBody
	if err := wire.DecodeBody(frame.Body, &get); err != nil {
		return
	}

	data, err := st.ReadPack(get.ContentID)
	if err != nil {
		sess.Send(constants.TagGetNotFound, &wire.GetNotFoundBody{ContentID: get.ContentID})
		return
	}

	if err := sess.Send(constants.TagGetStart, &wire.GetStartBody{ContentID: get.ContentID, Length: uint64(len(data))}); err != nil {
		return
	}
	const frameSize = 256 * 1024
	for offset := 0; offset < len(data); offset += frameSize {
		end := offset + frameSize
		if end > len(data) {
			end = len(data)
		}
		if err := sess.Send(constants.TagGetData, &wire.GetDataBody{ContentID: get.ContentID, Offset: uint64(offset), Data: data[offset:end]}); err != nil {
			return
		}
	}
	sess.Send(constants.TagGetEnd, &wire.GetEndBody{ContentID: get.ContentID})
}

// serveDelete drops a pack this node was hosting, e.g. after the owner's
// garbage collection frees it.
func serveDelete(st *store.Store, frame *wire.BaseFrame) {
	var del wire.DeleteBody
	if err := wire.DecodeBody(frame.Body, &del); err != nil {
		return
	}
	if err := st.DeletePack(del.ContentID); err != nil {
		agentLog.WithField("pack_id", del.ContentID).WithField("error", err.Error()).Warn("failed to delete hosted pack")
	}
}
