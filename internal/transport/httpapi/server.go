// Package httpapi serves the EventSub webhook, the JSON API and the overlay socket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xtding233/reindeer-gacha/internal/events"
	"github.com/xtding233/reindeer-gacha/internal/gacha"
	"github.com/xtding233/reindeer-gacha/internal/presence"
	"github.com/xtding233/reindeer-gacha/internal/reward"
	"github.com/xtding233/reindeer-gacha/internal/storage"
	"github.com/xtding233/reindeer-gacha/internal/twitch"
)

const maxBody = 1 << 20

// Rewards is the reward surface the API drives.
type Rewards interface {
	HandleRedemption(ctx context.Context, user, wish string) (reward.Emission, error)
	HandleRedemptionAs(ctx context.Context, login, displayName, wish string) (reward.Emission, error)
	UpdateWish(ctx context.Context, user, wish string) (storage.DisplayedEntity, error)
	ClearWish(ctx context.Context, user string) (storage.DisplayedEntity, error)
	ChangeSkin(ctx context.Context, user, rarity string) (storage.DisplayedEntity, error)
	Command(name string) error
	Pity(ctx context.Context, user string) (gacha.PityRecord, gacha.RaritySet, error)
}

// Presence is the read side of the presence monitor.
type Presence interface {
	Online() (map[string]struct{}, time.Time)
	Snapshot() []presence.Entry
}

type Deps struct {
	Rewards    Rewards
	Presence   Presence
	Entities   storage.EntityStore
	Audit      storage.AuditLog
	Deliveries storage.DeliveryLog // drops redelivered webhook messages, optional
	Overlay    http.Handler        // websocket endpoint, optional
	Now        func() time.Time
}

type Server struct {
	rewards  Rewards
	presence Presence
	entities storage.EntityStore
	audit    storage.AuditLog
	seen     storage.DeliveryLog
	now      func() time.Time
	mux      *http.ServeMux
}

func New(d Deps) *Server {
	s := &Server{
		rewards:  d.Rewards,
		presence: d.Presence,
		entities: d.Entities,
		audit:    d.Audit,
		seen:     d.Deliveries,
		now:      d.Now,
		mux:      http.NewServeMux(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.mux.HandleFunc("POST /eventsub/callback", s.handleEventSub)
	s.mux.HandleFunc("POST /api/redemptions", s.handleRedeem)
	s.mux.HandleFunc("PUT /api/wish/{user}", s.handleWish)
	s.mux.HandleFunc("DELETE /api/wish/{user}", s.handleClearWish)
	s.mux.HandleFunc("PUT /api/skin/{user}", s.handleSkin)
	s.mux.HandleFunc("POST /api/commands/{name}", s.handleCommand)
	s.mux.HandleFunc("GET /api/game-state", s.handleGameState)
	s.mux.HandleFunc("GET /api/online-viewers", s.handleOnline)
	s.mux.HandleFunc("GET /api/presence", s.handlePresence)
	s.mux.HandleFunc("GET /api/pity/{user}", s.handlePity)
	s.mux.HandleFunc("GET /api/audit", s.handleAudit)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if d.Overlay != nil {
		s.mux.Handle("GET /ws", d.Overlay)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type errResp struct {
	Err string `json:"err"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, reward.ErrInvalidInput), errors.Is(err, twitch.ErrBadPayload):
		status = http.StatusBadRequest
	case errors.Is(err, reward.ErrNoEntity):
		status = http.StatusNotFound
	case errors.Is(err, reward.ErrSkinLocked):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrWrite):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errResp{Err: err.Error()})
}

// handleEventSub answers verification challenges and routes redemptions by reward title.
// Signatures are verified upstream.
func (s *Server) handleEventSub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	msgType := r.Header.Get(twitch.HeaderMessageType)
	switch msgType {
	case twitch.MessageVerification:
		challenge, err := twitch.Challenge(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("[eventsub] callback verified")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, challenge)
		return
	case twitch.MessageRevocation:
		log.Printf("[eventsub] subscription revoked: %s", body)
		w.WriteHeader(http.StatusNoContent)
		return
	case twitch.MessageNotification:
	default:
		w.WriteHeader(http.StatusOK)
		return
	}

	red, err := twitch.ParseRedemption(body)
	if err != nil {
		log.Printf("[eventsub] %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if red.SubscriptionType != twitch.RedemptionAdd {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if id := r.Header.Get(twitch.HeaderMessageID); id != "" && s.seen != nil {
		fresh, err := s.seen.MarkDelivered(r.Context(), id, s.now())
		if err != nil {
			log.Printf("[eventsub] delivery check for %s failed, applying anyway: %v", id, err)
		} else if !fresh {
			log.Printf("[eventsub] dropping redelivered message %s", id)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	log.Printf("[eventsub] reward %q from %s (%s)", red.RewardTitle, red.UserName, red.UserLogin)

	// Failures are logged by the coordinator. Twitch retries non-2xx replies,
	// which would draw again, so the webhook always acknowledges.
	// state is keyed by login, which is what the viewer list reports
	ctx := r.Context()
	login := red.UserLogin
	switch twitch.MatchReward(red.RewardTitle) {
	case twitch.ActionSpawn:
		_, err = s.rewards.HandleRedemptionAs(ctx, login, red.UserName, red.Input)
	case twitch.ActionWish:
		if strings.TrimSpace(red.Input) == "" {
			_, err = s.rewards.ClearWish(ctx, login)
		} else {
			_, err = s.rewards.UpdateWish(ctx, login, red.Input)
		}
	case twitch.ActionSkin:
		_, err = s.rewards.ChangeSkin(ctx, login, strings.TrimSpace(red.Input))
	case twitch.ActionRunLeft:
		err = s.rewards.Command(events.CommandRunLeft)
	case twitch.ActionJumpAll:
		err = s.rewards.Command(events.CommandJumpAll)
	default:
		log.Printf("[eventsub] ignoring reward %q", red.RewardTitle)
	}
	if err != nil {
		log.Printf("[eventsub] reward %q for %s not applied: %v", red.RewardTitle, red.UserName, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

type redeemReq struct {
	User string `json:"user"`
	Wish string `json:"wish"`
}

type redeemResp struct {
	Event  events.Event     `json:"event"`
	Class  string           `json:"class"`
	Pity   gacha.PityRecord `json:"pity"`
	Forced bool             `json:"forced,omitempty"`
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemReq
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	em, err := s.rewards.HandleRedemption(r.Context(), req.User, req.Wish)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redeemResp{
		Event:  em.Event,
		Class:  em.Verdict.Class.String(),
		Pity:   em.Outcome.Record,
		Forced: em.Outcome.Forced,
	})
}

type wishReq struct {
	Wish string `json:"wish"`
}

func (s *Server) handleWish(w http.ResponseWriter, r *http.Request) {
	var req wishReq
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	e, err := s.rewards.UpdateWish(r.Context(), r.PathValue("user"), req.Wish)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleClearWish(w http.ResponseWriter, r *http.Request) {
	e, err := s.rewards.ClearWish(r.Context(), r.PathValue("user"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type skinReq struct {
	Rarity string `json:"rarity"`
}

func (s *Server) handleSkin(w http.ResponseWriter, r *http.Request) {
	var req skinReq
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	e, err := s.rewards.ChangeSkin(r.Context(), r.PathValue("user"), req.Rarity)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if err := s.rewards.Command(strings.ToUpper(r.PathValue("name"))); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGameState returns every displayed entity keyed by user key.
func (s *Server) handleGameState(w http.ResponseWriter, r *http.Request) {
	ents, err := s.entities.ListEntities(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ents)
}

type onlineResp struct {
	Viewers   []string  `json:"viewers"`
	FetchedAt time.Time `json:"fetchedAt,omitzero"`
}

// handleOnline reports the last viewer list the presence monitor fetched.
func (s *Server) handleOnline(w http.ResponseWriter, _ *http.Request) {
	set, at := s.presence.Online()
	viewers := make([]string, 0, len(set))
	for k := range set {
		viewers = append(viewers, k)
	}
	sort.Strings(viewers)
	writeJSON(w, http.StatusOK, onlineResp{Viewers: viewers, FetchedAt: at})
}

func (s *Server) handlePresence(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.presence.Snapshot())
}

type pityResp struct {
	User     string           `json:"user"`
	Pity     gacha.PityRecord `json:"pity"`
	Unlocked []string         `json:"unlocked"`
}

func (s *Server) handlePity(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	rec, hist, err := s.rewards.Pity(r.Context(), user)
	if err != nil {
		writeErr(w, err)
		return
	}
	unlocked := hist.Names()
	if unlocked == nil {
		unlocked = []string{}
	}
	writeJSON(w, http.StatusOK, pityResp{User: storage.Key(user), Pity: rec, Unlocked: unlocked})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, []storage.AuditEntry{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.audit.ListAudit(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
