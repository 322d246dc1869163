package main

import (
	"net/http"

	"github.com/crossguard/janitor/models"

	"github.com/labstack/echo/v4"
)

// requireAdmin resolves the principal and checks it holds global admin privileges.
func (srv *Server) requireAdmin(c echo.Context) (principal, error) {
	p, err := principalFrom(c)
	if err != nil {
		return p, err
	}
	if err := srv.access.AuthorizeAdmin(c.Request().Context(), p.Actor); err != nil {
		return p, err
	}
	return p, nil
}

func (srv *Server) HandleListAdmins(c echo.Context) error {
	if _, err := srv.requireAdmin(c); err != nil {
		return err
	}
	admins, err := srv.access.ListAdmins(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"admins": admins})
}

func (srv *Server) HandleAddAdmin(c echo.Context) error {
	if _, err := srv.requireAdmin(c); err != nil {
		return err
	}
	id, err := snowflakeParam(c, "user")
	if err != nil {
		return err
	}
	if err := srv.access.AddAdmin(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) HandleRemoveAdmin(c echo.Context) error {
	if _, err := srv.requireAdmin(c); err != nil {
		return err
	}
	id, err := snowflakeParam(c, "user")
	if err != nil {
		return err
	}
	if err := srv.access.RemoveAdmin(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) HandleGetUser(c echo.Context) error {
	if _, err := srv.requireAdmin(c); err != nil {
		return err
	}
	id, err := snowflakeParam(c, "user")
	if err != nil {
		return err
	}
	u, err := srv.access.GetUser(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

type upsertUserRequest struct {
	Role   models.Role        `json:"role"`
	Guilds []models.Snowflake `json:"guilds"`
}

func (srv *Server) HandleUpsertUser(c echo.Context) error {
	if _, err := srv.requireAdmin(c); err != nil {
		return err
	}
	id, err := snowflakeParam(c, "user")
	if err != nil {
		return err
	}
	var body upsertUserRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	u, err := srv.access.UpsertUser(c.Request().Context(), id, body.Role, body.Guilds)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

// HandleRemoveUser drops a tracked user, then the policies of guilds left without any tracked user.
func (srv *Server) HandleRemoveUser(c echo.Context) error {
	if _, err := srv.requireAdmin(c); err != nil {
		return err
	}
	id, err := snowflakeParam(c, "user")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	u, err := srv.access.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if err := srv.access.RemoveUser(ctx, id); err != nil {
		return err
	}

	var dropped []models.Snowflake
	for _, g := range u.Guilds {
		deleted, err := srv.policies.DeleteIfUnused(ctx, g)
		if err != nil {
			srv.logger.Warn("failed to clean up guild policy", "guild", g, "err", err)
			continue
		}
		if deleted {
			dropped = append(dropped, g)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"removed": id, "dropped_policies": dropped})
}

func (srv *Server) HandleRebuildScores(c echo.Context) error {
	if _, err := srv.requireAdmin(c); err != nil {
		return err
	}
	users, guilds, err := srv.scorer.Rebuild(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"users": users, "guilds": guilds})
}
