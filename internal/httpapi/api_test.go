package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicbounty/service_layer/internal/database"
	"github.com/civicbounty/service_layer/internal/jobs"
	"github.com/civicbounty/service_layer/internal/l402"
	"github.com/civicbounty/service_layer/internal/ledger"
	"github.com/civicbounty/service_layer/internal/logging"
	"github.com/civicbounty/service_layer/internal/middleware"
	"github.com/civicbounty/service_layer/internal/notify"
	"github.com/civicbounty/service_layer/internal/payout"
	"github.com/civicbounty/service_layer/internal/reconcile"
	"github.com/civicbounty/service_layer/pkg/testutil"
)

var sessionSecret = []byte("httpapi-test-secret-0123456789abcdef")

type discard struct{}

func (discard) Dispatch(notify.Event) bool { return true }

type apiFixture struct {
	repo    *database.MockRepository
	gw      *testutil.MockGateway
	handler http.Handler
}

func newAPIFixture(t *testing.T, policy ledger.Policy) *apiFixture {
	t.Helper()
	repo := database.NewMockRepository()
	for _, id := range []string{"poster", "fixer", "admin"} {
		repo.AddProfile(database.Profile{ID: id, Username: id})
	}
	gw := testutil.NewMockGateway()
	logger := logging.NewTest()

	engine, err := l402.NewEngine(l402.Config{
		RootKey: []byte("0123456789abcdef0123456789abcdef-httpapi"),
		Pricing: l402.Pricing{FeeSats: 10},
	}, gw, logger)
	require.NoError(t, err)

	ledgerSvc := ledger.NewService(repo, gw, policy, logger)
	payouts := payout.New(repo, ledgerSvc, gw, discard{}, logger)
	reconciler, err := reconcile.New(repo, "", logger)
	require.NoError(t, err)

	api := New(Config{
		Jobs:       jobs.NewService(repo, ledgerSvc, payouts, discard{}, jobs.Config{}, logger),
		Ledger:     ledgerSvc,
		Engine:     engine,
		Reconciler: reconciler,
		Auth:       middleware.NewAuthMiddleware(sessionSecret, map[string]struct{}{"admin": {}}, logger),
		CORS:       middleware.NewCORSMiddleware([]string{"https://civic.example"}),
		Logger:     logger,
	})
	return &apiFixture{repo: repo, gw: gw, handler: api.Handler()}
}

func session(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(sessionSecret)
	require.NoError(t, err)
	return "Bearer " + token
}

func (f *apiFixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

const potholeBody = `{"title":"Pothole on Main St","description":"Deep pothole near the crossing","reward":1000}`

func TestCreateJob_PaidOnceNoDuplicate(t *testing.T) {
	f := newAPIFixture(t, ledger.Policy{})

	rr := f.do(http.MethodPost, "/api/jobs", potholeBody, nil)
	require.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Header().Get("WWW-Authenticate"), "L402 "))
	var challenge struct {
		Amount   int64  `json:"amount"`
		Invoice  string `json:"invoice"`
		Macaroon string `json:"macaroon"`
	}
	decode(t, rr, &challenge)
	assert.Equal(t, int64(1010), challenge.Amount)

	mac, err := l402.DecodeMacaroon(challenge.Macaroon)
	require.NoError(t, err)
	f.gw.Settle(mac.Identifier)
	auth := map[string]string{"Authorization": "L402 " + challenge.Macaroon + ":" + f.gw.Preimage(mac.Identifier)}

	rr = f.do(http.MethodPost, "/api/jobs", potholeBody, auth)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created jobs.CreateResult
	decode(t, rr, &created)
	assert.Equal(t, int64(1000), created.Job.Reward)
	require.NotNil(t, created.Job.FundingPaymentHash)
	assert.Equal(t, mac.Identifier, *created.Job.FundingPaymentHash)

	rr = f.do(http.MethodPost, "/api/jobs", potholeBody, auth)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "true", rr.Header().Get(middleware.ReplayHeader))

	open, err := f.repo.CountOpenJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, open)
}

func TestCreateJob_ValidatedBeforeChallenge(t *testing.T) {
	tests := []struct {
		name   string
		policy ledger.Policy
		body   string
		want   int
	}{
		{"missing title", ledger.Policy{}, `{"description":"x","reward":10}`, http.StatusBadRequest},
		{"unknown field", ledger.Policy{}, `{"title":"a","description":"b","bounty":10}`, http.StatusBadRequest},
		{"over reward cap", ledger.Policy{MaxRewardPerPost: 500}, potholeBody, http.StatusForbidden},
		{"zero reward charges fee", ledger.Policy{}, `{"title":"a","description":"b","reward":0}`, http.StatusPaymentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t, tt.policy)
			rr := f.do(http.MethodPost, "/api/jobs", tt.body, nil)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestFixAutoApprovedAndPaid(t *testing.T) {
	f := newAPIFixture(t, ledger.Policy{})
	f.repo.SetBalance("poster", 500)

	rr := f.do(http.MethodPost, "/api/jobs/from-balance",
		`{"title":"Graffiti","description":"Wall by the park","reward":500}`,
		map[string]string{"Authorization": session(t, "poster")})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created jobs.CreateResult
	decode(t, rr, &created)

	rr = f.do(http.MethodPost, "/api/jobs/"+created.Job.ID+"/fix",
		`{"fix_image_url":"https://img.example/fixed.jpg","ai_confidence":9}`,
		map[string]string{"Authorization": session(t, "fixer")})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var submitted jobs.SubmitResult
	decode(t, rr, &submitted)
	assert.True(t, submitted.AutoApproved)
	assert.True(t, submitted.Job.Fixed)

	rr = f.do(http.MethodGet, "/api/balance", "", map[string]string{"Authorization": session(t, "fixer")})
	require.Equal(t, http.StatusOK, rr.Code)
	var balance balanceResponse
	decode(t, rr, &balance)
	assert.Equal(t, int64(500), balance.Balance)

	rr = f.do(http.MethodPost, "/api/jobs/"+created.Job.ID+"/fix",
		`{"fix_image_url":"https://img.example/again.jpg","ai_confidence":9}`,
		map[string]string{"Authorization": session(t, "admin")})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestDeleteRefundsOnce(t *testing.T) {
	f := newAPIFixture(t, ledger.Policy{})
	f.repo.SetBalance("poster", 300)
	poster := map[string]string{"Authorization": session(t, "poster")}

	rr := f.do(http.MethodPost, "/api/jobs/from-balance", `{"title":"Litter","description":"Bags on the beach","reward":300}`, poster)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created jobs.CreateResult
	decode(t, rr, &created)

	rr = f.do(http.MethodDelete, "/api/jobs/"+created.Job.ID, "", poster)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(http.MethodDelete, "/api/jobs/"+created.Job.ID, "", poster)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "already been deleted")

	rr = f.do(http.MethodGet, "/api/balance", "", poster)
	var balance balanceResponse
	decode(t, rr, &balance)
	assert.Equal(t, int64(300), balance.Balance)
}

func TestDepositFlow(t *testing.T) {
	f := newAPIFixture(t, ledger.Policy{})
	poster := map[string]string{"Authorization": session(t, "poster")}

	rr := f.do(http.MethodPost, "/api/deposits", `{"amount":2000}`, poster)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var invoice struct {
		PaymentHash string `json:"payment_hash"`
	}
	decode(t, rr, &invoice)

	rr = f.do(http.MethodPost, "/api/deposits/"+invoice.PaymentHash+"/settle", `{"expected_amount":2000}`, poster)
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)

	f.gw.Settle(invoice.PaymentHash)
	for i := 0; i < 2; i++ {
		rr = f.do(http.MethodPost, "/api/deposits/"+invoice.PaymentHash+"/settle", `{"expected_amount":2000}`, poster)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}
	var result ledger.Result
	decode(t, rr, &result)
	assert.Equal(t, int64(2000), result.NewBalance)
}

func TestAuthenticationRequired(t *testing.T) {
	f := newAPIFixture(t, ledger.Policy{})

	tests := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodGet, "/api/balance", ""},
		{http.MethodPost, "/api/deposits", `{"amount":10}`},
		{http.MethodPost, "/api/withdrawals", `{"invoice":"lnbc1"}`},
		{http.MethodPost, "/api/donations", `{"location_type":"city","location_name":"Oslo","amount":5}`},
		{http.MethodPost, "/api/jobs/from-balance", `{"title":"a","description":"b"}`},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := f.do(tt.method, tt.path, tt.body, nil)
			assert.Equal(t, http.StatusUnauthorized, rr.Code, rr.Body.String())
			assert.NotEmpty(t, rr.Header().Get(middleware.TraceHeader))
		})
	}
}

func TestHealthAndPreflight(t *testing.T) {
	f := newAPIFixture(t, ledger.Policy{})

	rr := f.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var health healthResponse
	decode(t, rr, &health)
	assert.Equal(t, "ok", health.Status)

	rr = f.do(http.MethodOptions, "/api/jobs", "", map[string]string{
		"Origin":                        "https://civic.example",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://civic.example", rr.Header().Get("Access-Control-Allow-Origin"))
}
