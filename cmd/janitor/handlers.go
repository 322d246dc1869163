package main

import (
	"net/http"

	"github.com/crossguard/janitor/errs"
	"github.com/crossguard/janitor/models"
	"github.com/crossguard/janitor/policy"
	"github.com/crossguard/janitor/registry"

	"github.com/labstack/echo/v4"
)

type fileReportRequest struct {
	Subject     models.Snowflake `json:"subject_user_id"`
	Category    models.Category  `json:"category"`
	OriginGuild models.Snowflake `json:"origin_guild_id,omitempty"`
	EvidenceRef *string          `json:"evidence_ref"`
	Explanation *string          `json:"explanation"`
}

func (srv *Server) HandleFileReport(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	var body fileReportRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	origin := body.OriginGuild
	if origin == 0 {
		origin = p.Guild
	}
	rep, err := srv.registry.FileReport(c.Request().Context(), registry.FileReportInput{
		Subject:     body.Subject,
		Category:    body.Category,
		OriginGuild: origin,
		EvidenceRef: body.EvidenceRef,
		Explanation: body.Explanation,
		Actor:       p.Actor,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rep)
}

type honeypotRequest struct {
	Channel     models.Snowflake `json:"channel_id"`
	Subject     models.Snowflake `json:"subject_user_id"`
	Explanation *string          `json:"explanation"`
}

// HandleHoneypot files a honeypot report against whoever posted in a guild's honeypot channel.
func (srv *Server) HandleHoneypot(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	var body honeypotRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	if !body.Channel.Valid() {
		return errs.Invalid("channel_id", "must be a non-zero snowflake")
	}
	ctx := c.Request().Context()
	channels, err := srv.policies.HoneypotChannels(ctx)
	if err != nil {
		return err
	}
	guild, ok := channels[body.Channel]
	if !ok {
		return errs.NotFound("honeypot channel", body.Channel)
	}
	rep, err := srv.registry.FileReport(ctx, registry.FileReportInput{
		Subject:     body.Subject,
		Category:    models.CategoryHoneypot,
		OriginGuild: guild,
		Explanation: body.Explanation,
		Actor:       p.Actor,
	})
	if err != nil {
		return err
	}
	honeypotCatches.Inc()
	return c.JSON(http.StatusCreated, rep)
}

func (srv *Server) HandleHoneypotChannels(c echo.Context) error {
	channels, err := srv.policies.HoneypotChannels(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"channels": channels})
}

func (srv *Server) HandleListRecent(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := srv.access.AuthorizeAdmin(ctx, p.Actor); err != nil {
		return err
	}
	filter, err := registry.ParseListFilter(c.QueryParam("filter"))
	if err != nil {
		return err
	}
	limit, err := limitParam(c)
	if err != nil {
		return err
	}
	reports, err := srv.registry.ListRecent(ctx, filter, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"reports": reports})
}

func (srv *Server) HandleGetReport(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	id, err := reportIDParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := srv.access.AuthorizeHistory(ctx, p.Actor, p.Guild); err != nil {
		return err
	}
	rep, err := srv.registry.GetReport(ctx, id)
	if err != nil {
		return err
	}
	out, err := srv.access.RedactEvidence(ctx, p.Actor, p.Guild, []models.Report{*rep})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out[0])
}

type deactivateRequest struct {
	Explanation *string `json:"explanation"`
	FalseReport bool    `json:"false_report"`
}

func (srv *Server) HandleDeactivateReport(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	id, err := reportIDParam(c)
	if err != nil {
		return err
	}
	var body deactivateRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	rep, err := srv.registry.DeactivateReport(c.Request().Context(), id, p.Actor, registry.DeactivateOptions{
		Explanation: body.Explanation,
		FalseReport: body.FalseReport,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rep)
}

func (srv *Server) HandleUpdateEvidence(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	id, err := reportIDParam(c)
	if err != nil {
		return err
	}
	var body struct {
		EvidenceRef string `json:"evidence_ref"`
	}
	if err := c.Bind(&body); err != nil {
		return err
	}
	rep, err := srv.registry.UpdateEvidence(c.Request().Context(), id, p.Actor, body.EvidenceRef)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rep)
}

func (srv *Server) HandleUpdateExplanation(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	id, err := reportIDParam(c)
	if err != nil {
		return err
	}
	var body struct {
		Explanation string `json:"explanation"`
	}
	if err := c.Bind(&body); err != nil {
		return err
	}
	rep, err := srv.registry.UpdateExplanation(c.Request().Context(), id, p.Actor, body.Explanation)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rep)
}

// HandleListUserReports returns the report history of a user; active reports only with ?active=true.
func (srv *Server) HandleListUserReports(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	user, err := snowflakeParam(c, "user")
	if err != nil {
		return err
	}
	activeOnly, err := queryBool(c, "active")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := srv.access.AuthorizeHistory(ctx, p.Actor, p.Guild); err != nil {
		return err
	}

	var reports []models.Report
	if activeOnly {
		reports, err = srv.registry.ListActiveReports(ctx, user)
	} else {
		reports, err = srv.registry.ListReportsBySubject(ctx, user)
	}
	if err != nil {
		return err
	}
	reports, err = srv.access.RedactEvidence(ctx, p.Actor, p.Guild, reports)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"reports": reports})
}

func (srv *Server) HandleUserScore(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	user, err := snowflakeParam(c, "user")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := srv.access.AuthorizeScore(ctx, p.Actor, p.Guild); err != nil {
		return err
	}
	score, err := srv.scorer.UserScore(ctx, user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.UserScore{UserID: user, Score: score})
}

func (srv *Server) HandleGuildScore(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := srv.access.AuthorizeScore(ctx, p.Actor, p.Guild); err != nil {
		return err
	}
	gs, err := srv.scorer.GuildScore(ctx, guild)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, gs)
}

func (srv *Server) HandleTopUsers(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	limit, err := limitParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := srv.access.AuthorizeScore(ctx, p.Actor, p.Guild); err != nil {
		return err
	}
	users, err := srv.scorer.TopUsers(ctx, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"users": users})
}

func (srv *Server) HandleTopGuilds(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	limit, err := limitParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := srv.access.AuthorizeScore(ctx, p.Actor, p.Guild); err != nil {
		return err
	}
	guilds, err := srv.scorer.TopGuilds(ctx, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"guilds": guilds})
}

// HandleGetPolicy returns the stored policy of a guild, or the default policy with ?default=true.
func (srv *Server) HandleGetPolicy(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	orDefault, err := queryBool(c, "default")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	// policies are readable by anyone acting for the guild
	if err := srv.access.AuthorizeHistory(ctx, p.Actor, guild); err != nil {
		return err
	}
	var gp *models.GuildPolicy
	if orDefault {
		gp, err = srv.policies.GetOrDefault(ctx, guild)
	} else {
		gp, err = srv.policies.Get(ctx, guild)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, gp)
}

func (srv *Server) HandleUpsertPolicy(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	var upd policy.PolicyUpdate
	if err := c.Bind(&upd); err != nil {
		return err
	}
	gp, err := srv.policies.Upsert(c.Request().Context(), p.Actor, guild, p.GuildAdmin, upd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, gp)
}

// HandleEnsureDefaultPolicy creates the default policy of a guild unless one exists.
func (srv *Server) HandleEnsureDefaultPolicy(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := srv.access.AuthorizePolicyWrite(ctx, p.Actor, guild, p.GuildAdmin); err != nil {
		return err
	}
	gp, created, err := srv.policies.EnsureDefault(ctx, guild)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, gp)
}

func (srv *Server) HandleDeletePolicy(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	if err := srv.policies.Delete(c.Request().Context(), p.Actor, guild, p.GuildAdmin); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type evaluateRequest struct {
	User  models.Snowflake `json:"user_id"`
	Roles models.RoleSet   `json:"roles,omitempty"`
}

func (srv *Server) HandleEvaluate(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	var body evaluateRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := srv.access.AuthorizeHistory(ctx, p.Actor, guild); err != nil {
		return err
	}
	d, err := srv.engine.Evaluate(ctx, guild, body.User, body.Roles)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (srv *Server) HandleRecordActioned(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	user, err := snowflakeParam(c, "user")
	if err != nil {
		return err
	}
	var body struct {
		Action models.Action `json:"action"`
	}
	if err := c.Bind(&body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := srv.access.AuthorizePolicyWrite(ctx, p.Actor, guild, p.GuildAdmin); err != nil {
		return err
	}
	if err := srv.engine.RecordActioned(ctx, guild, user, body.Action); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) HandleClearActioned(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	user, err := snowflakeParam(c, "user")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := srv.access.AuthorizePolicyWrite(ctx, p.Actor, guild, p.GuildAdmin); err != nil {
		return err
	}
	if err := srv.engine.ClearActioned(ctx, guild, user); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type subscriptionResponse struct {
	*models.WebhookSubscription
	QueueDepth int64 `json:"queue_depth"`
}

func (srv *Server) HandleGetSubscription(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := srv.access.AuthorizePolicyWrite(ctx, p.Actor, guild, p.GuildAdmin); err != nil {
		return err
	}
	sub, err := srv.dispatcher.GetSubscription(ctx, guild)
	if err != nil {
		return err
	}
	depth, err := srv.dispatcher.QueueDepth(ctx, guild)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, subscriptionResponse{WebhookSubscription: sub, QueueDepth: depth})
}

type subscribeRequest struct {
	GuildName   string `json:"guild_name"`
	EndpointURL string `json:"endpoint_url"`
}

func (srv *Server) HandleSubscribe(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	var body subscribeRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	sub, err := srv.dispatcher.Subscribe(c.Request().Context(), p.Actor, guild, p.GuildAdmin, body.GuildName, body.EndpointURL)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}

func (srv *Server) HandleUnsubscribe(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	if err := srv.dispatcher.Unsubscribe(c.Request().Context(), p.Actor, guild, p.GuildAdmin); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) HandleListFailures(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	limit, err := limitParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := srv.access.AuthorizePolicyWrite(ctx, p.Actor, guild, p.GuildAdmin); err != nil {
		return err
	}
	failures, err := srv.dispatcher.ListFailures(ctx, guild, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"failures": failures})
}

func (srv *Server) HandleListGaps(c echo.Context) error {
	p, err := principalFrom(c)
	if err != nil {
		return err
	}
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	limit, err := limitParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := srv.access.AuthorizePolicyWrite(ctx, p.Actor, guild, p.GuildAdmin); err != nil {
		return err
	}
	gaps, err := srv.dispatcher.ListGaps(ctx, guild, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"gaps": gaps})
}
