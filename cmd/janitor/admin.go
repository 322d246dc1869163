package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/crossguard/janitor/access"
	"github.com/crossguard/janitor/migrate"
	"github.com/crossguard/janitor/models"
	"github.com/crossguard/janitor/scoring"
	"github.com/crossguard/janitor/util/cliutil"

	cli "github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

// directoryDB opens and migrates the database for one-off directory commands. The returned func closes it.
func directoryDB(cctx *cli.Context) (*gorm.DB, *access.Controller, func(), error) {
	logger := cliutil.ConfigLogger(cctx, os.Stderr)
	db, err := openDB(cctx, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	done := func() { closeDB(db, logger) }
	if _, err := migrate.Run(cctx.Context, db, logger); err != nil {
		done()
		return nil, nil, nil, err
	}
	return db, access.NewController(db, logger), done, nil
}

func snowflakeArg(cctx *cli.Context) (models.Snowflake, error) {
	if cctx.Args().Len() != 1 {
		return 0, fmt.Errorf("expected exactly one id argument")
	}
	return models.ParseSnowflake(cctx.Args().First())
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

var adminCmd = &cli.Command{
	Name:  "admin",
	Usage: "manage global admins",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			ArgsUsage: "<user-id>",
			Action: func(cctx *cli.Context) error {
				id, err := snowflakeArg(cctx)
				if err != nil {
					return err
				}
				_, ac, done, err := directoryDB(cctx)
				if err != nil {
					return err
				}
				defer done()
				return ac.AddAdmin(cctx.Context, id)
			},
		},
		{
			Name:      "remove",
			ArgsUsage: "<user-id>",
			Action: func(cctx *cli.Context) error {
				id, err := snowflakeArg(cctx)
				if err != nil {
					return err
				}
				_, ac, done, err := directoryDB(cctx)
				if err != nil {
					return err
				}
				defer done()
				return ac.RemoveAdmin(cctx.Context, id)
			},
		},
		{
			Name: "list",
			Action: func(cctx *cli.Context) error {
				_, ac, done, err := directoryDB(cctx)
				if err != nil {
					return err
				}
				defer done()
				admins, err := ac.ListAdmins(cctx.Context)
				if err != nil {
					return err
				}
				return printJSON(admins)
			},
		},
	},
}

var userCmd = &cli.Command{
	Name:  "user",
	Usage: "manage tracked reporter and listener users",
	Subcommands: []*cli.Command{
		{
			Name:      "set",
			Usage:     "create or replace a tracked user and its guild memberships",
			ArgsUsage: "<user-id>",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "role",
					Usage:    "reporter or listener",
					Required: true,
				},
				&cli.StringSliceFlag{
					Name:  "guild",
					Usage: "guild the user acts for (repeatable)",
				},
			},
			Action: func(cctx *cli.Context) error {
				id, err := snowflakeArg(cctx)
				if err != nil {
					return err
				}
				role, err := models.ParseRole(cctx.String("role"))
				if err != nil {
					return err
				}
				var guilds []models.Snowflake
				for _, raw := range cctx.StringSlice("guild") {
					g, err := models.ParseSnowflake(raw)
					if err != nil {
						return err
					}
					guilds = append(guilds, g)
				}
				_, ac, done, err := directoryDB(cctx)
				if err != nil {
					return err
				}
				defer done()
				u, err := ac.UpsertUser(cctx.Context, id, role, guilds)
				if err != nil {
					return err
				}
				return printJSON(u)
			},
		},
		{
			Name:      "show",
			ArgsUsage: "<user-id>",
			Action: func(cctx *cli.Context) error {
				id, err := snowflakeArg(cctx)
				if err != nil {
					return err
				}
				_, ac, done, err := directoryDB(cctx)
				if err != nil {
					return err
				}
				defer done()
				u, err := ac.GetUser(cctx.Context, id)
				if err != nil {
					return err
				}
				return printJSON(u)
			},
		},
		{
			Name:      "remove",
			ArgsUsage: "<user-id>",
			Action: func(cctx *cli.Context) error {
				id, err := snowflakeArg(cctx)
				if err != nil {
					return err
				}
				_, ac, done, err := directoryDB(cctx)
				if err != nil {
					return err
				}
				defer done()
				return ac.RemoveUser(cctx.Context, id)
			},
		},
	},
}

var scoresCmd = &cli.Command{
	Name:  "scores",
	Usage: "inspect and maintain reputation scores",
	Subcommands: []*cli.Command{
		{
			Name:  "rebuild",
			Usage: "recompute every user and guild score from the report registry",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "weights-file",
					EnvVars: []string{"JANITOR_WEIGHTS_FILE"},
				},
			},
			Action: func(cctx *cli.Context) error {
				weights, _, err := loadTuning(cctx.String("weights-file"))
				if err != nil {
					return err
				}
				db, _, done, err := directoryDB(cctx)
				if err != nil {
					return err
				}
				defer done()
				scorer := scoring.NewScorer(db, scoring.Config{Weights: weights})
				users, guilds, err := scorer.Rebuild(cctx.Context)
				if err != nil {
					return err
				}
				fmt.Printf("rebuilt %d user scores and %d guild scores\n", users, guilds)
				return nil
			},
		},
		{
			Name: "top",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "guilds",
					Usage: "rank guilds instead of users",
				},
				&cli.IntFlag{
					Name:  "limit",
					Value: 10,
				},
			},
			Action: func(cctx *cli.Context) error {
				db, _, done, err := directoryDB(cctx)
				if err != nil {
					return err
				}
				defer done()
				scorer := scoring.NewScorer(db, scoring.Config{})
				if cctx.Bool("guilds") {
					top, err := scorer.TopGuilds(cctx.Context, cctx.Int("limit"))
					if err != nil {
						return err
					}
					return printJSON(top)
				}
				top, err := scorer.TopUsers(cctx.Context, cctx.Int("limit"))
				if err != nil {
					return err
				}
				return printJSON(top)
			},
		},
	},
}
