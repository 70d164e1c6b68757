package database

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClientWithHandler(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{URL: srv.URL, ServiceKey: "service-key", HTTPClient: srv.Client()})
	require.NoError(t, err)
	return client
}

func TestNewClient_Validation(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_SERVICE_KEY", "")

	_, err := NewClient(Config{ServiceKey: "k"})
	assert.Error(t, err)
	_, err = NewClient(Config{URL: "https://x.supabase.co"})
	assert.Error(t, err)
	_, err = NewClient(Config{URL: "not a url", ServiceKey: "k"})
	assert.Error(t, err)
	_, err = NewClient(Config{URL: "https://user:pw@x.supabase.co", ServiceKey: "k"})
	assert.Error(t, err)
	_, err = NewClient(Config{URL: "https://x.supabase.co/", ServiceKey: "k"})
	assert.NoError(t, err)
}

func TestRepository_SendsServiceKey(t *testing.T) {
	client := newClientWithHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "service-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		_, _ = w.Write([]byte(`[{"id":"u1","username":"alice","balance":42}]`))
	}))

	p, err := NewRepository(client).GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.Balance)
	assert.Equal(t, "alice", p.Username)
}

func TestRepository_GetJob_NotFound(t *testing.T) {
	client := newClientWithHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/jobs", r.URL.Path)
		assert.Equal(t, "eq.j1", r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(`[]`))
	}))

	_, err := NewRepository(client).GetJob(context.Background(), "j1")
	assert.True(t, IsNotFound(err))
}

func TestRepository_GetJob_RejectsFilterInjection(t *testing.T) {
	client := newClientWithHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("request should not be sent")
	}))

	_, err := NewRepository(client).GetJob(context.Background(), "j1&fixed=eq.true")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRepository_ClaimJob(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     ClaimJobResult
	}{
		{name: "success", response: `{"success":true}`, want: ClaimJobResult{Success: true}},
		{name: "not found", response: `{"success":false,"error":"not_found"}`, want: ClaimJobResult{Error: ClaimErrorNotFound}},
		{name: "already claimed", response: `{"success":false,"error":"already_claimed"}`, want: ClaimJobResult{Error: ClaimErrorAlreadyClaimed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClientWithHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/rest/v1/rpc/claim_job", r.URL.Path)
				var params map[string]interface{}
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&params))
				assert.Equal(t, "j1", params["p_job_id"])
				assert.Equal(t, float64(8), params["p_ai_confidence"])
				_, _ = w.Write([]byte(tt.response))
			}))

			got, err := NewRepository(client).ClaimJob(context.Background(), ClaimJobParams{JobID: "j1", AIConfidence: 8})
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestRepository_ConditionalTransitions(t *testing.T) {
	tests := []struct {
		name      string
		call      func(*Repository) (bool, error)
		wantQuery map[string]string
	}{
		{
			name: "approve from review",
			call: func(r *Repository) (bool, error) {
				return r.ApproveJob(context.Background(), ApproveJobParams{JobID: "j1", At: time.Now(), RequireUnderReview: true})
			},
			wantQuery: map[string]string{"id": "eq.j1", "fixed": "is.false", "deleted_at": "is.null", "under_review": "is.true"},
		},
		{
			name: "reject",
			call: func(r *Repository) (bool, error) {
				return r.RejectClaim(context.Background(), "j1")
			},
			wantQuery: map[string]string{"id": "eq.j1", "under_review": "is.true", "fixed": "is.false"},
		},
		{
			name: "soft delete",
			call: func(r *Repository) (bool, error) {
				return r.SoftDeleteJob(context.Background(), "j1", time.Now())
			},
			wantQuery: map[string]string{"fixed": "is.false", "under_review": "is.false", "deleted_at": "is.null"},
		},
		{
			name: "mark paid",
			call: func(r *Repository) (bool, error) {
				return r.MarkRewardPaid(context.Background(), "j1", "hash", time.Now())
			},
			wantQuery: map[string]string{"fixed": "is.true", "reward_paid_at": "is.null"},
		},
	}

	for _, tt := range tests {
		for _, matched := range []bool{true, false} {
			tt, matched := tt, matched
			t.Run(tt.name, func(t *testing.T) {
				client := newClientWithHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					assert.Equal(t, http.MethodPatch, r.Method)
					for k, v := range tt.wantQuery {
						assert.Equal(t, v, r.URL.Query().Get(k), k)
					}
					if matched {
						_, _ = w.Write([]byte(`[{"id":"j1"}]`))
						return
					}
					_, _ = w.Write([]byte(`[]`))
				}))

				ok, err := tt.call(NewRepository(client))
				require.NoError(t, err)
				assert.Equal(t, matched, ok)
			})
		}
	}
}

func TestRepository_RejectClaimClearsClaimFields(t *testing.T) {
	client := newClientWithHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var fields map[string]interface{}
		assert.NoError(t, json.Unmarshal(body, &fields))
		assert.Equal(t, false, fields["claimed"])
		assert.Nil(t, fields["claimed_by"])
		assert.Contains(t, fields, "claimed_by")
		assert.Nil(t, fields["ai_confidence_score"])
		_, _ = w.Write([]byte(`[{"id":"j1"}]`))
	}))

	ok, err := NewRepository(client).RejectClaim(context.Background(), "j1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRepository_ApplyLedgerEntry(t *testing.T) {
	t.Run("returns new balance", func(t *testing.T) {
		client := newClientWithHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/rest/v1/rpc/apply_ledger_entry", r.URL.Path)
			var params map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&params))
			assert.Equal(t, "u1", params["p_user_id"])
			assert.Equal(t, float64(50), params["p_amount"])
			assert.NotEmpty(t, params["p_id"])
			_, _ = w.Write([]byte(`{"new_balance":150}`))
		}))
		res, err := NewRepository(client).ApplyLedgerEntry(context.Background(), &Transaction{UserID: "u1", Amount: 50})
		require.NoError(t, err)
		assert.Equal(t, int64(150), res.NewBalance)
		assert.Nil(t, res.Existing)
	})

	t.Run("returns recorded row", func(t *testing.T) {
		client := newClientWithHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"existing":{"id":"t1","user_id":"u1","amount":50,"payment_hash":"h1"},"new_balance":50}`))
		}))
		hash := "h1"
		res, err := NewRepository(client).ApplyLedgerEntry(context.Background(), &Transaction{UserID: "u1", Amount: 50, PaymentHash: &hash})
		require.NoError(t, err)
		require.NotNil(t, res.Existing)
		assert.Equal(t, "t1", res.Existing.ID)
	})

	t.Run("maps insufficient funds", func(t *testing.T) {
		client := newClientWithHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"P0001","message":"insufficient_funds"}`))
		}))
		_, err := NewRepository(client).ApplyLedgerEntry(context.Background(), &Transaction{UserID: "u1", Amount: -50})
		assert.ErrorIs(t, err, ErrInsufficientFunds)
	})

	t.Run("maps missing profile", func(t *testing.T) {
		client := newClientWithHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"P0001","message":"profile_not_found"}`))
		}))
		_, err := NewRepository(client).ApplyLedgerEntry(context.Background(), &Transaction{UserID: "ghost", Amount: 5})
		assert.True(t, IsNotFound(err))
	})

	t.Run("server error", func(t *testing.T) {
		client := newClientWithHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		_, err := NewRepository(client).ApplyLedgerEntry(context.Background(), &Transaction{UserID: "u1", Amount: 5})
		assert.ErrorIs(t, err, ErrDatabaseError)
	})
}

func TestRepository_InsertTransaction_Duplicate(t *testing.T) {
	client := newClientWithHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"23505","message":"duplicate key value violates unique constraint"}`))
	}))
	hash := "abc"
	err := NewRepository(client).InsertTransaction(context.Background(), &Transaction{UserID: "u1", PaymentHash: &hash})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestRepository_GetDonationPool_EscapesLocation(t *testing.T) {
	client := newClientWithHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eq.New York & Co", r.URL.Query().Get("location_name"))
		_, _ = w.Write([]byte(`[{"id":"p1","location_type":"city","location_name":"New York & Co","total_donated":7}]`))
	}))
	pool, err := NewRepository(client).GetDonationPool(context.Background(), "city", "New York & Co")
	require.NoError(t, err)
	assert.Equal(t, int64(7), pool.TotalDonated)
}

func TestRepository_ListGroupAdmins(t *testing.T) {
	client := newClientWithHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eq.admin", r.URL.Query().Get("role"))
		_, _ = w.Write([]byte(`[{"user_id":"a1"},{"user_id":"a2"}]`))
	}))
	ids, err := NewRepository(client).ListGroupAdmins(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, ids)
}
