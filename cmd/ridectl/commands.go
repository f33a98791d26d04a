package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/carpool-coordinator/internal/backend"
	"github.com/example/carpool-coordinator/internal/feedback"
	"github.com/example/carpool-coordinator/internal/models"
)

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// rideID returns the --ride flag, or the active ride when it is unset.
func (a *app) rideID(ctx context.Context, b *backend.Client, flag int64) (int64, error) {
	if flag != 0 {
		return flag, nil
	}
	r, err := b.ActiveRide(ctx)
	if err != nil {
		return 0, err
	}
	if r == nil {
		return 0, fmt.Errorf("no active ride; pass --ride")
	}
	return r.ID, nil
}

func newCreateRideCmd(a *app) *cobra.Command {
	var pickup, dropoff string
	cmd := &cobra.Command{
		Use:   "create-ride",
		Short: "Request a new ride between two places (lat,lon or an address)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b := a.backend()
			var draft models.RideDraft
			for _, p := range []struct {
				in  string
				dst **models.Coord
			}{{pickup, &draft.Pickup}, {dropoff, &draft.Dropoff}} {
				if p.in == "" {
					continue
				}
				c, err := a.place(ctx, b, p.in)
				if err != nil {
					return err
				}
				*p.dst = &c
			}
			r, err := b.CreateRide(ctx, draft)
			if err != nil {
				return err
			}
			return a.print(r)
		},
	}
	cmd.Flags().StringVar(&pickup, "pickup", "", "pickup as lat,lon or address")
	cmd.Flags().StringVar(&dropoff, "dropoff", "", "dropoff as lat,lon or address")
	return cmd
}

// place accepts "lat,lon" or falls back to geocoding the text.
func (a *app) place(ctx context.Context, b *backend.Client, in string) (models.Coord, error) {
	if c, err := parseCoord(in); err == nil {
		return c, nil
	}
	return b.Geocode(ctx, in)
}

func newMatchesCmd(a *app) *cobra.Command {
	var ride int64
	var from string
	cmd := &cobra.Command{
		Use:   "matches",
		Short: "List match candidates for a ride, nearest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b := a.backend()
			id, err := a.rideID(ctx, b, ride)
			if err != nil {
				return err
			}
			var viewer *models.Coord
			if from != "" {
				c, err := parseCoord(from)
				if err != nil {
					return err
				}
				viewer = &c
			}
			est, err := a.estimator()
			if err != nil {
				return err
			}
			out, err := a.matcher(b, est).LoadCandidates(ctx, id, viewer)
			if err != nil {
				return err
			}
			return a.print(out)
		},
	}
	cmd.Flags().Int64Var(&ride, "ride", 0, "ride ID (default: active ride)")
	cmd.Flags().StringVar(&from, "from", "", "viewer position as lat,lon for distances")
	return cmd
}

func newRequestMatchCmd(a *app) *cobra.Command {
	var ride int64
	cmd := &cobra.Command{
		Use:   "request-match CANDIDATE_RIDE_ID",
		Short: "Ask the owner of another ride to pair with yours",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cand, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("candidate ride id: %w", err)
			}
			ctx := cmd.Context()
			b := a.backend()
			id, err := a.rideID(ctx, b, ride)
			if err != nil {
				return err
			}
			if err := a.matcher(b, nil).RequestMatch(ctx, id, cand); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "match requested: ride %d -> ride %d\n", id, cand)
			return nil
		},
	}
	cmd.Flags().Int64Var(&ride, "ride", 0, "ride ID (default: active ride)")
	return cmd
}

func newIncomingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "incoming",
		Short: "List pending match requests for your rides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.matcher(a.backend(), nil).IncomingRequests(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(out)
		},
	}
}

func newRespondCmd(a *app, action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " REQUEST_ID",
		Short: strings.ToUpper(action[:1]) + action[1:] + " an incoming match request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("request id: %w", err)
			}
			m := a.matcher(a.backend(), nil)
			if action == "confirm" {
				err = m.Confirm(cmd.Context(), id)
			} else {
				err = m.Reject(cmd.Context(), id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "request %d: %sed\n", id, strings.TrimSuffix(action, "e"))
			return nil
		},
	}
}

func newFeedbackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "feedback RIDE_ID COMMENT...",
		Short: "Leave feedback for a completed ride",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("ride id: %w", err)
			}
			out, err := feedback.New(a.backend(), a.logger).Submit(cmd.Context(), id, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "ride %d: %s\n", id, out)
			return nil
		},
	}
}

func newGeocodeCmd(a *app) *cobra.Command {
	var reverse bool
	cmd := &cobra.Command{
		Use:   "geocode ADDRESS | --reverse LAT,LON",
		Short: "Resolve an address to a coordinate, or a coordinate to an address",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b := a.backend()
			in := strings.Join(args, " ")
			if reverse {
				c, err := parseCoord(in)
				if err != nil {
					return err
				}
				addr, err := b.ReverseGeocode(cmd.Context(), c)
				if err != nil {
					return err
				}
				return a.print(models.Location{Coord: c, Address: addr})
			}
			c, err := b.Geocode(cmd.Context(), in)
			if err != nil {
				return err
			}
			return a.print(models.Location{Coord: c, Address: in})
		},
	}
	cmd.Flags().BoolVar(&reverse, "reverse", false, "treat the argument as lat,lon")
	return cmd
}

func newDistanceCmd(a *app) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "distance",
		Short: "Estimate the road distance between two coordinates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := parseCoord(from)
			if err != nil {
				return err
			}
			d, err := parseCoord(to)
			if err != nil {
				return err
			}
			est, err := a.estimator()
			if err != nil {
				return err
			}
			return a.print(est.Estimate(cmd.Context(), o, d))
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "origin as lat,lon")
	cmd.Flags().StringVar(&to, "to", "", "destination as lat,lon")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
