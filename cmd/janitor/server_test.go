package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crossguard/janitor/access"
	"github.com/crossguard/janitor/cachestore"
	"github.com/crossguard/janitor/dispatch"
	"github.com/crossguard/janitor/event"
	"github.com/crossguard/janitor/flagstore"
	"github.com/crossguard/janitor/internal/testutil"
	"github.com/crossguard/janitor/models"
	"github.com/crossguard/janitor/policy"
	"github.com/crossguard/janitor/registry"
	"github.com/crossguard/janitor/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken  = "test-token"
	adminID    = models.Snowflake(1)
	reporterID = models.Snowflake(10)
	listenerID = models.Snowflake(11)
	guildA     = models.Snowflake(100)
	guildB     = models.Snowflake(200)
	subject    = models.Snowflake(5000)
)

type testEnv struct {
	srv *httptest.Server
	ac  *access.Controller
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	db := testutil.TestDB(t)
	logger := testutil.QuietLogger()
	clock := testutil.NewClock()

	ac := access.NewController(db, logger)
	require.NoError(t, ac.AddAdmin(ctx, adminID))
	_, err := ac.UpsertUser(ctx, reporterID, models.RoleReporter, []models.Snowflake{guildA})
	require.NoError(t, err)
	_, err = ac.UpsertUser(ctx, listenerID, models.RoleListener, []models.Snowflake{guildB})
	require.NoError(t, err)

	bus := event.NewBus(logger)
	reg := registry.NewRegistry(db, registry.Config{
		Logger: logger,
		Access: ac,
		Bus:    bus,
		Clock:  func() time.Time { return clock.Advance(time.Second) },
	})
	scorer := scoring.NewScorer(db, scoring.Config{
		Logger: logger,
		Cache:  cachestore.NewMemCacheStore(100, time.Minute),
	})
	policies := policy.NewStore(db, policy.StoreConfig{Logger: logger, Access: ac})
	engine, err := policy.NewEngine(policies, policy.EngineConfig{
		Logger: logger,
		Counts: reg,
		Scores: scorer,
		Flags:  flagstore.NewMemFlagStore(),
	})
	require.NoError(t, err)
	// never run, so notifications only queue
	disp := dispatch.NewDispatcher(db, dispatch.Config{Logger: logger, Access: ac})
	bus.Subscribe("scorer", scorer)
	bus.SubscribeTx("dispatcher", disp)
	bus.Subscribe("dispatcher", disp)

	srv := NewServer(Services{
		Access:     ac,
		Registry:   reg,
		Scorer:     scorer,
		Policies:   policies,
		Engine:     engine,
		Dispatcher: disp,
	}, Config{Logger: logger, AdminToken: testToken})

	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return &testEnv{srv: hs, ac: ac}
}

type apiCall struct {
	method     string
	path       string
	actor      models.Snowflake
	guild      models.Snowflake
	guildAdmin bool
	body       any
}

func (te *testEnv) do(t *testing.T, call apiCall) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if call.body != nil {
		b, err := json.Marshal(call.body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(call.method, te.srv.URL+call.path, rdr)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if call.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if call.actor != 0 {
		req.Header.Set(headerActor, call.actor.String())
	}
	if call.guild != 0 {
		req.Header.Set(headerGuild, call.guild.String())
	}
	if call.guildAdmin {
		req.Header.Set(headerGuildAdmin, "true")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (te *testEnv) fileSpam(t *testing.T, evidence *string) models.Report {
	t.Helper()
	code, body := te.do(t, apiCall{
		method: http.MethodPost,
		path:   "/v1/reports",
		actor:  reporterID,
		guild:  guildA,
		body:   fileReportRequest{Subject: subject, Category: models.CategorySpam, EvidenceRef: evidence},
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	var rep models.Report
	require.NoError(t, json.Unmarshal(body, &rep))
	return rep
}

func TestHealthcheck(t *testing.T) {
	te := newTestEnv(t)

	resp, err := http.Get(te.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestRequestMetrics(t *testing.T) {
	te := newTestEnv(t)

	resp, err := http.Get(te.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	rec := httptest.NewRecorder()
	newMetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "janitor_requests_total")
	assert.Contains(t, rec.Body.String(), `url="/health"`)
}

func TestAPIRequiresToken(t *testing.T) {
	te := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, te.srv.URL+"/v1/admins", nil)
	require.NoError(t, err)
	req.Header.Set(headerActor, adminID.String())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReportLifecycleOverHTTP(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)

	rep := te.fileSpam(t, nil)
	assert.True(rep.IsActive)
	assert.Equal(subject, rep.SubjectID)
	assert.Equal(guildA, rep.OriginGuildID)

	scoreCall := apiCall{method: http.MethodGet, path: "/v1/users/5000/score", actor: listenerID, guild: guildB}
	code, body := te.do(t, scoreCall)
	require.Equal(t, http.StatusOK, code, string(body))
	var us models.UserScore
	require.NoError(t, json.Unmarshal(body, &us))
	assert.Equal(int64(1), us.Score)

	deactivate := apiCall{
		method: http.MethodPost,
		path:   fmt.Sprintf("/v1/reports/%d/deactivate", rep.ID),
		actor:  reporterID,
		body:   deactivateRequest{FalseReport: true},
	}
	code, body = te.do(t, deactivate)
	require.Equal(t, http.StatusOK, code, string(body))

	code, _ = te.do(t, deactivate)
	assert.Equal(http.StatusConflict, code)

	code, body = te.do(t, scoreCall)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &us))
	assert.Equal(int64(0), us.Score)

	code, body = te.do(t, apiCall{method: http.MethodGet, path: "/v1/guilds/100/score", actor: listenerID, guild: guildB})
	require.Equal(t, http.StatusOK, code)
	var gs models.GuildScore
	require.NoError(t, json.Unmarshal(body, &gs))
	assert.Equal(int64(1), gs.Filed)
	assert.Equal(int64(1), gs.FalseReports)
	assert.Equal(int64(0), gs.Score)
}

func TestErrorMapping(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)

	// listeners may not file reports
	code, body := te.do(t, apiCall{
		method: http.MethodPost,
		path:   "/v1/reports",
		actor:  listenerID,
		guild:  guildB,
		body:   fileReportRequest{Subject: subject, Category: models.CategorySpam},
	})
	assert.Equal(http.StatusForbidden, code)
	var er errorResponse
	require.NoError(t, json.Unmarshal(body, &er))
	assert.Equal("insufficient_role", er.Reason)

	// missing principal
	code, _ = te.do(t, apiCall{method: http.MethodGet, path: "/v1/admins"})
	assert.Equal(http.StatusBadRequest, code)

	// unknown category
	code, _ = te.do(t, apiCall{
		method: http.MethodPost,
		path:   "/v1/reports",
		actor:  reporterID,
		guild:  guildA,
		body:   map[string]string{"subject_user_id": "5000", "category": "rudeness"},
	})
	assert.Equal(http.StatusBadRequest, code)

	code, _ = te.do(t, apiCall{method: http.MethodGet, path: "/v1/reports/999", actor: adminID})
	assert.Equal(http.StatusNotFound, code)

	// non-admins cannot read the global feed
	code, _ = te.do(t, apiCall{method: http.MethodGet, path: "/v1/reports", actor: reporterID, guild: guildA})
	assert.Equal(http.StatusForbidden, code)
}

func TestEvidenceStaysInOriginGuild(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)

	evidence := "https://cdn.example/proof.png"
	te.fileSpam(t, &evidence)

	var out struct {
		Reports []models.Report `json:"reports"`
	}

	code, body := te.do(t, apiCall{method: http.MethodGet, path: "/v1/users/5000/reports", actor: listenerID, guild: guildB})
	require.Equal(t, http.StatusOK, code, string(body))
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Reports, 1)
	assert.Nil(out.Reports[0].EvidenceRef)

	code, body = te.do(t, apiCall{method: http.MethodGet, path: "/v1/users/5000/reports?active=true", actor: reporterID, guild: guildA})
	require.Equal(t, http.StatusOK, code, string(body))
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Reports, 1)
	require.NotNil(t, out.Reports[0].EvidenceRef)
	assert.Equal(evidence, *out.Reports[0].EvidenceRef)

	// history is only visible from guilds the viewer acts for
	code, _ = te.do(t, apiCall{method: http.MethodGet, path: "/v1/users/5000/reports", actor: listenerID, guild: guildA})
	assert.Equal(http.StatusForbidden, code)
}

func TestPolicyEvaluationOverHTTP(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)

	code, body := te.do(t, apiCall{
		method:     http.MethodPut,
		path:       "/v1/guilds/200/policy",
		actor:      listenerID,
		guild:      guildB,
		guildAdmin: true,
		body:       map[string]any{"spam_action_level": 1},
	})
	require.Equal(t, http.StatusOK, code, string(body))
	var gp models.GuildPolicy
	require.NoError(t, json.Unmarshal(body, &gp))
	assert.Equal(1, gp.SpamActionLevel)

	// without the platform's guild administrator attestation the write is refused
	code, _ = te.do(t, apiCall{
		method: http.MethodPut,
		path:   "/v1/guilds/200/policy",
		actor:  listenerID,
		guild:  guildB,
		body:   map[string]any{"spam_action_level": 2},
	})
	assert.Equal(http.StatusForbidden, code)

	te.fileSpam(t, nil)

	evaluate := apiCall{
		method: http.MethodPost,
		path:   "/v1/guilds/200/evaluate",
		actor:  listenerID,
		guild:  guildB,
		body:   evaluateRequest{User: subject},
	}
	code, body = te.do(t, evaluate)
	require.Equal(t, http.StatusOK, code, string(body))
	var d policy.Decision
	require.NoError(t, json.Unmarshal(body, &d))
	assert.Equal(policy.StateFlagged, d.State)
	assert.Equal(models.ActionTimeout, d.Action)
	assert.Equal(models.CategorySpam, d.Category)
	assert.Equal(int64(1), d.Score)

	// recording an enacted action takes the same rights as editing the policy
	actioned := apiCall{
		method: http.MethodPut,
		path:   "/v1/guilds/200/actioned/5000",
		actor:  listenerID,
		guild:  guildB,
		body:   map[string]string{"action": "timeout"},
	}
	code, _ = te.do(t, actioned)
	assert.Equal(http.StatusForbidden, code)
	code, _ = te.do(t, apiCall{method: http.MethodDelete, path: "/v1/guilds/200/actioned/5000", actor: listenerID, guild: guildB})
	assert.Equal(http.StatusForbidden, code)

	actioned.guildAdmin = true
	code, _ = te.do(t, actioned)
	require.Equal(t, http.StatusNoContent, code)

	code, body = te.do(t, evaluate)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &d))
	assert.Equal(policy.StateActioned, d.State)
	assert.Equal(models.ActionTimeout, d.Enacted)

	// ignored role holders are exempt
	code, _ = te.do(t, apiCall{
		method:     http.MethodPut,
		path:       "/v1/guilds/200/policy",
		actor:      listenerID,
		guild:      guildB,
		guildAdmin: true,
		body:       map[string]any{"ignored_roles": []string{"42"}},
	})
	require.Equal(t, http.StatusOK, code)
	evaluate.body = evaluateRequest{User: subject, Roles: models.RoleSet{42}}
	code, body = te.do(t, evaluate)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &d))
	assert.True(d.Exempt)
	assert.Equal(models.ActionNone, d.Action)
}

func TestHoneypotReport(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)

	code, body := te.do(t, apiCall{
		method: http.MethodPut,
		path:   "/v1/guilds/100/policy",
		actor:  adminID,
		body:   map[string]any{"honeypot_channel": "777"},
	})
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = te.do(t, apiCall{
		method: http.MethodPost,
		path:   "/v1/honeypot",
		actor:  reporterID,
		body:   honeypotRequest{Channel: 777, Subject: subject},
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	var rep models.Report
	require.NoError(t, json.Unmarshal(body, &rep))
	assert.Equal(models.CategoryHoneypot, rep.Category)
	assert.Equal(guildA, rep.OriginGuildID)

	code, _ = te.do(t, apiCall{
		method: http.MethodPost,
		path:   "/v1/honeypot",
		actor:  reporterID,
		body:   honeypotRequest{Channel: 778, Subject: subject},
	})
	assert.Equal(http.StatusNotFound, code)
}

func TestSubscriptionQueuesNotifications(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)

	code, body := te.do(t, apiCall{
		method:     http.MethodPut,
		path:       "/v1/guilds/200/webhook",
		actor:      listenerID,
		guild:      guildB,
		guildAdmin: true,
		body:       subscribeRequest{GuildName: "Guild B", EndpointURL: "https://guild-b.example/hook"},
	})
	require.Equal(t, http.StatusOK, code, string(body))

	te.fileSpam(t, nil)

	code, body = te.do(t, apiCall{method: http.MethodGet, path: "/v1/guilds/200/webhook", actor: listenerID, guild: guildB, guildAdmin: true})
	require.Equal(t, http.StatusOK, code, string(body))
	var sub struct {
		EndpointURL string `json:"endpoint_url"`
		QueueDepth  int64  `json:"queue_depth"`
	}
	require.NoError(t, json.Unmarshal(body, &sub))
	assert.Equal("https://guild-b.example/hook", sub.EndpointURL)
	assert.Equal(int64(1), sub.QueueDepth)

	code, _ = te.do(t, apiCall{method: http.MethodPut, path: "/v1/guilds/200/webhook", actor: listenerID, guild: guildB, guildAdmin: true,
		body: subscribeRequest{GuildName: "Guild B", EndpointURL: "ftp://guild-b.example"}})
	assert.Equal(http.StatusBadRequest, code)

	code, _ = te.do(t, apiCall{method: http.MethodDelete, path: "/v1/guilds/200/webhook", actor: listenerID, guild: guildB, guildAdmin: true})
	assert.Equal(http.StatusNoContent, code)
	code, _ = te.do(t, apiCall{method: http.MethodGet, path: "/v1/guilds/200/webhook", actor: listenerID, guild: guildB, guildAdmin: true})
	assert.Equal(http.StatusNotFound, code)
}

func TestRemoveUserDropsUnusedPolicy(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)

	code, _ := te.do(t, apiCall{method: http.MethodPost, path: "/v1/guilds/200/policy/default", actor: adminID})
	require.Equal(t, http.StatusCreated, code)
	code, _ = te.do(t, apiCall{method: http.MethodPost, path: "/v1/guilds/200/policy/default", actor: adminID})
	require.Equal(t, http.StatusOK, code)

	code, body := te.do(t, apiCall{method: http.MethodDelete, path: "/v1/directory/11", actor: adminID})
	require.Equal(t, http.StatusOK, code, string(body))
	var out struct {
		DroppedPolicies []models.Snowflake `json:"dropped_policies"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal([]models.Snowflake{guildB}, out.DroppedPolicies)

	code, _ = te.do(t, apiCall{method: http.MethodGet, path: "/v1/guilds/200/policy", actor: adminID})
	assert.Equal(http.StatusNotFound, code)

	// directory writes are admin only
	code, _ = te.do(t, apiCall{method: http.MethodPut, path: "/v1/admins/12", actor: reporterID})
	assert.Equal(http.StatusForbidden, code)
}

func TestLeaderboardsAndRebuild(t *testing.T) {
	assert := assert.New(t)
	te := newTestEnv(t)

	te.fileSpam(t, nil)
	te.fileSpam(t, nil)

	code, body := te.do(t, apiCall{method: http.MethodGet, path: "/v1/leaderboard/users?limit=5", actor: listenerID, guild: guildB})
	require.Equal(t, http.StatusOK, code, string(body))
	var top struct {
		Users []models.UserScore `json:"users"`
	}
	require.NoError(t, json.Unmarshal(body, &top))
	require.Len(t, top.Users, 1)
	assert.Equal(subject, top.Users[0].UserID)
	assert.Equal(int64(2), top.Users[0].Score)

	code, _ = te.do(t, apiCall{method: http.MethodGet, path: "/v1/leaderboard/users?limit=500", actor: listenerID, guild: guildB})
	assert.Equal(http.StatusBadRequest, code)

	code, body = te.do(t, apiCall{method: http.MethodPost, path: "/v1/scores/rebuild", actor: adminID})
	require.Equal(t, http.StatusOK, code, string(body))
	var rebuilt map[string]int
	require.NoError(t, json.Unmarshal(body, &rebuilt))
	assert.Equal(1, rebuilt["users"])
	assert.Equal(1, rebuilt["guilds"])
}
