package messaging

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaychat/transport"
)

// Avatar delivery limits, in base64 characters. An avatar at most
// AvatarInlineMax rides inside a single PROFILE_DATA payload; anything
// larger streams as AvatarChunkSize pieces under a fresh transfer id.
const (
	AvatarInlineMax = 120 * 1024
	AvatarChunkSize = 60 * 1024
)

// AnnounceProfile gossips this side's profile version counters to a peer.
// The peer pulls whatever it is missing.
func (s *Service) AnnounceProfile(ctx context.Context, sid string) error {
	profile, err := s.store.LocalProfile()
	if err != nil {
		return err
	}
	return s.courier.SendMessage(ctx, sid, &ProfileVersionPayload{
		Type:          TypeProfileVersion,
		NameVersion:   profile.NameVersion,
		AvatarVersion: profile.AvatarVersion,
	}, transport.PriorityMessage, false)
}

func (s *Service) dispatchProfile(ctx context.Context, sid string, typ PayloadType, data json.RawMessage) error {
	switch typ {
	case TypeProfileVersion:
		var p ProfileVersionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.maybeRequestProfile(ctx, sid, &p)
	case TypeGetProfile:
		var p GetProfilePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.serveProfile(ctx, sid, &p)
	case TypeProfileData:
		var p ProfileDataPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.applyProfileData(sid, &p)
	default:
		var p ProfileAvatarChunkPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.applyAvatarChunk(sid, &p)
	}
}

// maybeRequestProfile pulls profile data when the peer advertises a
// strictly newer version, or when data for an advertised version is
// missing locally.
func (s *Service) maybeRequestProfile(ctx context.Context, sid string, p *ProfileVersionPayload) error {
	sess, err := s.store.GetSession(sid)
	if err != nil {
		return err
	}
	wantName := p.NameVersion > sess.NameVersion ||
		(p.NameVersion > 0 && sess.PeerName == "")
	wantAvatar := p.AvatarVersion > sess.AvatarVersion ||
		(p.AvatarVersion > 0 && sess.PeerAvatar == "")
	if !wantName && !wantAvatar {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"session_id":  sid,
		"want_name":   wantName,
		"want_avatar": wantAvatar,
	}).Debug("requesting peer profile")
	return s.courier.SendMessage(ctx, sid, &GetProfilePayload{
		Type: TypeGetProfile, WantName: wantName, WantAvatar: wantAvatar,
	}, transport.PriorityMessage, false)
}

// serveProfile answers a profile pull. Oversized avatars are announced in
// the data payload and streamed separately at bulk priority.
func (s *Service) serveProfile(ctx context.Context, sid string, req *GetProfilePayload) error {
	profile, err := s.store.LocalProfile()
	if err != nil {
		return err
	}
	resp := &ProfileDataPayload{Type: TypeProfileData}
	if req.WantName {
		resp.Name = profile.Name
		resp.NameVersion = profile.NameVersion
	}

	var chunks []string
	if req.WantAvatar && profile.Avatar != "" {
		resp.AvatarVersion = profile.AvatarVersion
		if len(profile.Avatar) <= AvatarInlineMax {
			resp.Avatar = profile.Avatar
		} else {
			chunks = SplitText(profile.Avatar, AvatarChunkSize)
			resp.AvatarTransferID = uuid.NewString()
			resp.AvatarTotalChunks = len(chunks)
		}
	}
	if err := s.courier.SendMessage(ctx, sid, resp, transport.PriorityMessage, false); err != nil {
		return err
	}
	for i, chunk := range chunks {
		err := s.courier.SendMessage(ctx, sid, &ProfileAvatarChunkPayload{
			Type:          TypeProfileAvatarChunk,
			TransferID:    resp.AvatarTransferID,
			Index:         i,
			TotalChunks:   len(chunks),
			Data:          chunk,
			AvatarVersion: profile.AvatarVersion,
		}, transport.PriorityBulk, false)
		if err != nil {
			return err
		}
	}
	return nil
}

// applyProfileData stores newer peer name and inline avatar data. Stale
// versions are ignored.
func (s *Service) applyProfileData(sid string, p *ProfileDataPayload) error {
	sess, err := s.store.GetSession(sid)
	if err != nil {
		return err
	}
	changed := false
	if p.Name != "" && p.NameVersion > sess.NameVersion {
		if err := s.store.UpdatePeerName(sid, p.Name, p.NameVersion); err != nil {
			return err
		}
		changed = true
	}
	if p.Avatar != "" && p.AvatarVersion > sess.AvatarVersion {
		if err := s.store.UpdatePeerAvatar(sid, p.Avatar, p.AvatarVersion); err != nil {
			return err
		}
		changed = true
	}
	if changed {
		s.sessions.NotifyUpdated(sid)
	}
	return nil
}

// applyAvatarChunk reassembles a chunked avatar, reusing the text chunk
// assembler keyed by the transfer id.
func (s *Service) applyAvatarChunk(sid string, p *ProfileAvatarChunkPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	body, done, err := s.asm.add(sid, &TextChunkPayload{
		ID:          "avatar:" + p.TransferID,
		Chunk:       p.Data,
		ChunkIndex:  p.Index,
		TotalChunks: p.TotalChunks,
		Kind:        TypeImage,
	})
	if err != nil || !done {
		return err
	}
	sess, err := s.store.GetSession(sid)
	if err != nil {
		return err
	}
	if p.AvatarVersion <= sess.AvatarVersion && sess.PeerAvatar != "" {
		logrus.WithFields(logrus.Fields{
			"session_id": sid,
		}).Debug("discarding stale avatar transfer")
		return nil
	}
	if err := s.store.UpdatePeerAvatar(sid, body, p.AvatarVersion); err != nil {
		return err
	}
	s.sessions.NotifyUpdated(sid)
	return nil
}
