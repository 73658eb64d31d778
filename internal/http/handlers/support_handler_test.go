package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
	"github.com/tbourn/go-realtime-coordinator/internal/repo"
	"github.com/tbourn/go-realtime-coordinator/internal/services"
)

func TestSendSupportMessage_StaffFlag(t *testing.T) {
	f := newFixture(t, services.ViewConfig{}, "agent-1", "  ")

	w := f.do(t, http.MethodPost, "/support/sc1/messages", "customer", SupportMessageRequest{Content: "help"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var msg domain.SupportMessage
	decode(t, w, &msg)
	assert.False(t, msg.IsAdmin)
	assert.Equal(t, "sc1", msg.ChatID)

	w = f.do(t, http.MethodPost, "/support/sc1/messages", "agent-1", SupportMessageRequest{Content: "on it"})
	require.Equal(t, http.StatusCreated, w.Code)
	decode(t, w, &msg)
	assert.True(t, msg.IsAdmin)

	w = f.do(t, http.MethodPost, "/support/sc1/messages", "customer", SupportMessageRequest{Content: " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/support/sc1/messages?limit=10", "agent-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var history []domain.SupportMessage
	decode(t, w, &history)
	assert.Len(t, history, 2)
}

func TestSupport_CustomersSeeOnlyTheirChat(t *testing.T) {
	f := newFixture(t, services.ViewConfig{}, "agent-1")

	w := f.do(t, http.MethodPost, "/support/sc1/messages", "customer", SupportMessageRequest{Content: "help"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/support/sc1/messages", "intruder", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodPost, "/support/sc1/messages", "intruder", SupportMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodGet, "/support/sc1/messages", "customer", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	vid := f.openView(t, "intruder")
	w = f.do(t, http.MethodPut, "/views/"+vid+"/scopes/support_messages", "intruder", SetScopeRequest{ScopeKey: "all"})
	require.Equal(t, http.StatusForbidden, w.Code)
	var e ErrorResponse
	decode(t, w, &e)
	assert.Equal(t, ErrCodeForbidden, e.Code)
	w = f.do(t, http.MethodPut, "/views/"+vid+"/scopes/support_messages", "intruder", SetScopeRequest{ScopeKey: "sc1"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	staffView := f.openView(t, "agent-1")
	w = f.do(t, http.MethodPut, "/views/"+staffView+"/scopes/support_messages", "agent-1", SetScopeRequest{ScopeKey: "all"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestSendGift(t *testing.T) {
	f := newFixture(t, services.ViewConfig{})

	w := f.do(t, http.MethodPost, "/streams/s1/gifts", "fan", SendGiftRequest{RecipientID: "streamer", Kind: "rose", Amount: 3})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var g domain.Gift
	decode(t, w, &g)
	assert.Equal(t, "s1", g.StreamID)
	assert.Equal(t, "fan", g.SenderID)
	assert.Equal(t, 3, g.Amount)

	w = f.do(t, http.MethodPost, "/streams/s1/gifts", "fan", SendGiftRequest{RecipientID: "streamer", Kind: "rose", Amount: 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/streams/s1/gifts", "fan", SendGiftRequest{RecipientID: "streamer", Kind: "  ", Amount: 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWatchCheckout(t *testing.T) {
	f := newFixture(t, services.ViewConfig{})
	ctx := context.Background()
	_, err := repo.CreateCheckoutSession(ctx, f.db, "cs_1", "u1")
	require.NoError(t, err)
	vid := f.openView(t, "u1")

	w := f.do(t, http.MethodPost, "/views/"+vid+"/checkouts/cs_other/watch", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/views/"+vid+"/checkouts/cs_1/watch", "u1", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp WatchCheckoutResponse
	decode(t, w, &resp)
	assert.Equal(t, "cs_1", resp.SessionID)

	require.NoError(t, repo.SetCheckoutStatus(ctx, f.db, "cs_1", domain.CheckoutPaid))
	v, err := f.views.Get("u1", vid)
	require.NoError(t, err)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-v.Events():
			if st, ok := ev.Data.(services.CheckoutStatus); ok && st.Done {
				assert.Equal(t, domain.CheckoutPaid, st.Status)
				return
			}
		case <-deadline:
			t.Fatal("no terminal checkout_status event")
		}
	}
}
