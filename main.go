package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/whyrusleeping/anisync/anilist"
	"github.com/whyrusleeping/anisync/importer"
	"github.com/whyrusleeping/anisync/mal"
)

func main() {
	app := cli.App{
		Name: "anisync",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "db-url",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:  "listen",
			Value: ":4444",
		},
		&cli.StringFlag{
			Name:    "mal-client-id",
			EnvVars: []string{"MAL_CLIENT_ID"},
		},
		&cli.StringFlag{
			Name:    "mal-client-secret",
			EnvVars: []string{"MAL_CLIENT_SECRET"},
		},
		&cli.StringFlag{
			Name:    "api-url",
			EnvVars: []string{"API_URL"},
			Value:   "http://localhost:4444",
		},
		&cli.StringFlag{
			Name:    "jaeger",
			EnvVars: []string{"JAEGER_ENDPOINT"},
		},
		&cli.IntFlag{
			Name:  "max-db-connections",
			Value: runtime.NumCPU(),
		},
	}
	app.Action = func(cctx *cli.Context) error {
		ctx := context.TODO()

		if jurl := cctx.String("jaeger"); jurl != "" {
			exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jurl)))
			if err != nil {
				return err
			}

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewSchemaless(
					attribute.String("service.name", "anisync"),
				)),
			)
			otel.SetTracerProvider(tp)
			defer tp.Shutdown(context.Background())
		}

		db, err := gorm.Open(postgres.Open(cctx.String("db-url")))
		if err != nil {
			return err
		}

		db.Logger = logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: false,
			Colorful:                  true,
		})

		sqldb, err := db.DB()
		if err != nil {
			return err
		}
		sqldb.SetMaxOpenConns(cctx.Int("max-db-connections"))

		db.AutoMigrate(Anime{})
		db.AutoMigrate(AnimeRelation{})
		db.AutoMigrate(AnimeUser{})
		db.AutoMigrate(User{})
		db.AutoMigrate(Session{})

		cfg, err := pgxpool.ParseConfig(cctx.String("db-url"))
		if err != nil {
			return err
		}

		if cfg.MaxConns < 8 {
			cfg.MaxConns = 8
		}

		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}

		if err := pool.Ping(ctx); err != nil {
			return err
		}

		pgb, err := NewPostgresBackend(db, pool)
		if err != nil {
			return err
		}

		queue := importer.NewQueue()
		worker := importer.NewWorker(queue, anilist.NewClient(), pgb)

		s := &Server{
			backend:  pgb,
			sessions: pgb,
			queue:    queue,
			worker:   worker,
			mal: mal.NewClient(
				cctx.String("mal-client-id"),
				cctx.String("mal-client-secret"),
				cctx.String("api-url")+"/oauth/mal/callback",
			),
		}

		go func() {
			if err := s.runApiServer(cctx.String("listen")); err != nil {
				fmt.Println("failed to start api server: ", err)
			}
		}()

		go func() {
			http.Handle("/metrics", promhttp.Handler())
			http.ListenAndServe(":4445", nil)
		}()

		go s.runBackgroundSweep(ctx)

		worker.Run(ctx)
		return nil
	}

	app.RunAndExitOnError()
}

type Server struct {
	backend  *PostgresBackend
	sessions sessionStore
	queue    *importer.Queue
	worker   *importer.Worker
	mal      *mal.Client
}
