package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"transit-planner/internal/access"
	"transit-planner/internal/geo"
	"transit-planner/internal/gtfs"
	"transit-planner/internal/planner"
	"transit-planner/internal/routecache"
	"transit-planner/internal/stops"
	"transit-planner/internal/tracker"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parsePoint reads "lat,lon".
func parsePoint(s string) (geo.Point, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return geo.Point{}, fmt.Errorf("expected lat,lon, got %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geo.Point{}, fmt.Errorf("invalid latitude in %q", s)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geo.Point{}, fmt.Errorf("invalid longitude in %q", s)
	}
	if !geo.ValidLatLon(lat, lon) {
		return geo.Point{}, fmt.Errorf("coordinates out of range: %q", s)
	}
	return geo.Point{Lat: lat, Lon: lon}, nil
}

func pointFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "from", Usage: "origin as lat,lon", Required: true},
		&cli.StringFlag{Name: "to", Usage: "destination as lat,lon", Required: true},
	}
}

func endpoints(c *cli.Context) (geo.Point, geo.Point, error) {
	o, err := parsePoint(c.String("from"))
	if err != nil {
		return geo.Point{}, geo.Point{}, err
	}
	d, err := parsePoint(c.String("to"))
	if err != nil {
		return geo.Point{}, geo.Point{}, err
	}
	return o, d, nil
}

func categories(values []string) []gtfs.Category {
	out := make([]gtfs.Category, 0, len(values))
	for _, v := range values {
		out = append(out, gtfs.Category(v))
	}
	return out
}

func planCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "plan a multi-modal journey between two points",
		Flags: pointFlags(),
		Action: func(c *cli.Context) error {
			o, d, err := endpoints(c)
			if err != nil {
				return err
			}
			return withApp(c.Context, func(ctx context.Context, a *app) error {
				plan, err := a.planner.Plan(ctx, planner.Request{OriginLat: o.Lat, OriginLon: o.Lon, DestLat: d.Lat, DestLon: d.Lon})
				if err != nil {
					return err
				}
				return printJSON(c.App.Writer, plan)
			})
		},
	}
}

func nearbyCommand() *cli.Command {
	return &cli.Command{
		Name:  "nearby",
		Usage: "list stops near a point across categories",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "at", Usage: "point as lat,lon", Required: true},
			&cli.Float64Flag{Name: "radius", Value: 1.0, Usage: "search radius in km"},
			&cli.IntFlag{Name: "limit", Value: 10, Usage: "maximum stops returned"},
			&cli.IntFlag{Name: "per-category", Usage: "maximum stops per category (default spreads limit evenly)"},
			&cli.StringSliceFlag{Name: "category", Usage: "restrict to these categories"},
		},
		Action: func(c *cli.Context) error {
			p, err := parsePoint(c.String("at"))
			if err != nil {
				return err
			}
			return withApp(c.Context, func(ctx context.Context, a *app) error {
				found, err := a.locator.Nearby(ctx, stops.Query{
					Lat:              p.Lat,
					Lon:              p.Lon,
					RadiusKm:         c.Float64("radius"),
					Limit:            c.Int("limit"),
					PerCategoryLimit: c.Int("per-category"),
					Categories:       categories(c.StringSlice("category")),
				})
				if err != nil {
					return err
				}
				return printJSON(c.App.Writer, found)
			})
		},
	}
}

func routeCommand() *cli.Command {
	return &cli.Command{
		Name:  "route",
		Usage: "estimate a point-to-point trip for walk, bicycle, car, motorcycle, taxi or e_hail",
		Flags: append(pointFlags(), &cli.StringFlag{Name: "mode", Value: string(gtfs.ModeWalk), Usage: "travel mode"}),
		Action: func(c *cli.Context) error {
			o, d, err := endpoints(c)
			if err != nil {
				return err
			}
			return withApp(c.Context, func(ctx context.Context, a *app) error {
				res, err := a.planner.Route(ctx, o, d, gtfs.Mode(c.String("mode")))
				if err != nil {
					return err
				}
				return printJSON(c.App.Writer, res)
			})
		},
	}
}

func adviseCommand() *cli.Command {
	return &cli.Command{
		Name:  "advise",
		Usage: "rank first/last-mile options for reaching a stop",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "distance", Usage: "distance to the stop in km", Required: true},
		},
		Action: func(c *cli.Context) error {
			advice, err := access.NewAdvisor(access.DefaultAdvisorOptions()).Advise(c.Float64("distance"))
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, advice)
		},
	}
}

func compareCommand() *cli.Command {
	return &cli.Command{
		Name:  "compare",
		Usage: "compare travel emissions across modes for a trip",
		Flags: append(pointFlags(), &cli.IntFlag{Name: "passengers", Value: 1, Usage: "people travelling together"}),
		Action: func(c *cli.Context) error {
			o, d, err := endpoints(c)
			if err != nil {
				return err
			}
			cmp, err := access.NewComparator().Compare(o, d, c.Int("passengers"))
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, cmp)
		},
	}
}

func vehiclesCommand() *cli.Command {
	categoryFlag := func() cli.Flag {
		return &cli.StringFlag{Name: "category", Usage: "feed category", Required: true}
	}
	minutesFlag := func() cli.Flag {
		return &cli.IntFlag{Name: "minutes", Usage: "maximum position age in minutes (default freshness window)"}
	}
	return &cli.Command{
		Name:  "vehicles",
		Usage: "realtime vehicle positions",
		Subcommands: []*cli.Command{
			{
				Name:  "refresh",
				Usage: "fetch and store vehicle positions for one or all categories",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "category", Usage: "feed category (default all)"},
					&cli.BoolFlag{Name: "clear", Usage: "replace the category's stored rows with this batch"},
				},
				Action: func(c *cli.Context) error {
					return withApp(c.Context, func(ctx context.Context, a *app) error {
						if cat := c.String("category"); cat != "" {
							rep, err := a.tracker.Refresh(ctx, gtfs.Category(cat), c.Bool("clear"))
							if err != nil {
								return err
							}
							return printJSON(c.App.Writer, rep)
						}
						return printJSON(c.App.Writer, a.tracker.RefreshAll(ctx, c.Bool("clear")))
					})
				},
			},
			{
				Name:  "latest",
				Usage: "latest position per vehicle",
				Flags: []cli.Flag{categoryFlag(), minutesFlag()},
				Action: func(c *cli.Context) error {
					return withApp(c.Context, func(ctx context.Context, a *app) error {
						vs, err := a.tracker.Latest(ctx, gtfs.Category(c.String("category")), c.Int("minutes"))
						if err != nil {
							return err
						}
						return printJSON(c.App.Writer, vs)
					})
				},
			},
			{
				Name:  "nearby",
				Usage: "vehicles near a point, nearest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "at", Usage: "point as lat,lon", Required: true},
					&cli.Float64Flag{Name: "radius", Value: 1.0, Usage: "search radius in km"},
					&cli.StringFlag{Name: "category", Usage: "feed category (default all)"},
					minutesFlag(),
				},
				Action: func(c *cli.Context) error {
					p, err := parsePoint(c.String("at"))
					if err != nil {
						return err
					}
					return withApp(c.Context, func(ctx context.Context, a *app) error {
						vs, err := a.tracker.Nearby(ctx, p.Lat, p.Lon, c.Float64("radius"), gtfs.Category(c.String("category")), c.Int("minutes"))
						if err != nil {
							return err
						}
						return printJSON(c.App.Writer, vs)
					})
				},
			},
			{
				Name:  "route",
				Usage: "vehicles serving a route",
				Flags: []cli.Flag{
					categoryFlag(),
					&cli.StringFlag{Name: "route", Usage: "route id", Required: true},
					&cli.IntFlag{Name: "direction", Value: -1, Usage: "direction id (0 or 1)"},
					&cli.IntFlag{Name: "min-seq", Value: -1, Usage: "minimum current stop sequence"},
					&cli.IntFlag{Name: "max-seq", Value: -1, Usage: "maximum current stop sequence"},
					minutesFlag(),
				},
				Action: func(c *cli.Context) error {
					f := tracker.RouteFilter{
						DirectionID:     optionalInt(c.Int("direction")),
						MinStopSequence: optionalInt(c.Int("min-seq")),
						MaxStopSequence: optionalInt(c.Int("max-seq")),
						MinutesOld:      c.Int("minutes"),
					}
					return withApp(c.Context, func(ctx context.Context, a *app) error {
						vs, err := a.tracker.ForRoute(ctx, gtfs.Category(c.String("category")), c.String("route"), f)
						if err != nil {
							return err
						}
						return printJSON(c.App.Writer, vs)
					})
				},
			},
			{
				Name:  "health",
				Usage: "freshness of stored positions per category",
				Action: func(c *cli.Context) error {
					return withApp(c.Context, func(ctx context.Context, a *app) error {
						return printJSON(c.App.Writer, a.tracker.Health(ctx))
					})
				},
			},
			{
				Name:  "sweep",
				Usage: "delete positions older than the retention window",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "retention", Usage: "override VEHICLE_RETENTION_HOURS"},
				},
				Action: func(c *cli.Context) error {
					return withApp(c.Context, func(ctx context.Context, a *app) error {
						return printJSON(c.App.Writer, a.tracker.Sweep(ctx, c.Duration("retention")))
					})
				},
			},
		},
	}
}

func optionalInt(v int) *int {
	if v < 0 {
		return nil
	}
	return &v
}

type prewarmFile struct {
	Items []routecache.Item `yaml:"items"`
}

func loadPrewarmItems(path string) ([]routecache.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prewarm file: %w", err)
	}
	var f prewarmFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse prewarm file %s: %w", path, err)
	}
	if len(f.Items) == 0 {
		return nil, fmt.Errorf("prewarm file %s has no items", path)
	}
	return f.Items, nil
}

func cacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "route cache maintenance",
		Subcommands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "entry counts, hits and per-mode breakdown",
				Action: func(c *cli.Context) error {
					return withApp(c.Context, func(ctx context.Context, a *app) error {
						st, err := a.cache.Stats(ctx)
						if err != nil {
							return err
						}
						return printJSON(c.App.Writer, st)
					})
				},
			},
			{
				Name:  "clean",
				Usage: "delete expired entries",
				Action: func(c *cli.Context) error {
					return withApp(c.Context, func(ctx context.Context, a *app) error {
						n, err := a.cache.CleanExpired(ctx)
						if err != nil {
							return err
						}
						return printJSON(c.App.Writer, map[string]int64{"deleted": n})
					})
				},
			},
			{
				Name:  "prewarm",
				Usage: "compute and store routes listed in a YAML file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Value: "prewarm.yml", Usage: "items file"},
					&cli.IntFlag{Name: "concurrency", Value: 4, Usage: "items computed in parallel"},
					&cli.BoolFlag{Name: "force", Usage: "recompute items that are already cached"},
				},
				Action: func(c *cli.Context) error {
					items, err := loadPrewarmItems(c.String("file"))
					if err != nil {
						return err
					}
					return withApp(c.Context, func(ctx context.Context, a *app) error {
						rep := a.cache.Prewarm(ctx, items, a.planner.Compute, routecache.PrewarmOptions{
							Concurrency: c.Int("concurrency"),
							Force:       c.Bool("force"),
						})
						return printJSON(c.App.Writer, rep)
					})
				},
			},
		},
	}
}
