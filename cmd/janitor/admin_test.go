package main

import (
	"path/filepath"
	"testing"

	"github.com/crossguard/janitor/access"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cli "github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

func TestDirectoryDBIsClosed(t *testing.T) {
	assert := assert.New(t)
	url := "sqlite://" + filepath.Join(t.TempDir(), "janitor.sqlite")

	var db *gorm.DB
	app := &cli.App{
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "database-url"},
			&cli.StringFlag{Name: "log-level", Value: "error"},
		},
		Action: func(cctx *cli.Context) error {
			var (
				ac   *access.Controller
				done func()
				err  error
			)
			db, ac, done, err = directoryDB(cctx)
			if err != nil {
				return err
			}
			defer done()
			return ac.AddAdmin(cctx.Context, adminID)
		},
	}
	require.NoError(t, app.Run([]string{"janitor", "--database-url", url}))

	require.NotNil(t, db)
	assert.Error(db.Exec("SELECT 1").Error)
}
