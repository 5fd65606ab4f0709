package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/smnsjas/go-uspcore/messages"
)

var getDepth uint32

var getCmd = &cobra.Command{
	Use:   "get PATH...",
	Short: "Read parameters from the Agent.",
	Long: "get sends one Get request for all PATH arguments. Paths ending in '.' " +
		"are partial paths and return every parameter below them.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := openSession(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		msg := s.ctrl.Builder().GetDepth(args, getDepth)
		res, err := s.ctrl.Submit(cmd.Context(), s.target, msg).Wait(cmd.Context())
		if err != nil {
			return err
		}
		s.logger.Debug().
			Str("msg_id", res.MsgID).
			Dur("round_trip", res.RoundTrip).
			Msg("get answered")
		if err := res.Err(); err != nil {
			return err
		}
		printGetResp(cmd.OutOrStdout(), res.GetResp)
		return nil
	},
}

func init() {
	getCmd.Flags().Uint32Var(&getDepth, "depth", 0, "max_depth for partial paths (0 is unlimited)")
}

func printGetResp(w io.Writer, resp *messages.GetResp) {
	if resp == nil {
		return
	}
	for _, req := range resp.ReqPathResults {
		if req.ErrCode != 0 {
			fmt.Fprintf(w, "%s: error %d: %s\n", req.RequestedPath, req.ErrCode, req.ErrMsg)
			continue
		}
		for _, res := range req.ResolvedPathResults {
			names := make([]string, 0, len(res.ResultParams))
			for name := range res.ResultParams {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "%s%s = %s\n", res.ResolvedPath, name, res.ResultParams[name])
			}
		}
	}
}
