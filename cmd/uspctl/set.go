package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smnsjas/go-uspcore/messages"
)

var (
	setAllowPartial bool
	setRequired     bool
)

var setCmd = &cobra.Command{
	Use:   "set OBJ.PARAM=VALUE...",
	Short: "Write parameters on the Agent.",
	Long: "set groups the assignments by object and sends them in one Set " +
		"request. --required marks every assignment as required.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		objs, err := parseAssignments(args, setRequired)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := openSession(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := s.ctrl.Set(cmd.Context(), s.target, objs, setAllowPartial)
		if err != nil {
			return err
		}
		if res.Error != nil {
			for _, pe := range res.Error.ParamErrs {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: error %d: %s\n", pe.ParamPath, pe.Code, pe.Message)
			}
			return res.Err()
		}
		printSetResp(cmd.OutOrStdout(), res.SetResp)
		return nil
	},
}

func init() {
	setCmd.Flags().BoolVar(&setAllowPartial, "allow-partial", false, "apply objects that succeed even if others fail")
	setCmd.Flags().BoolVar(&setRequired, "required", false, "fail the object when any parameter fails")
}

// parseAssignments turns "Device.X.Y=v" arguments into UpdateObjects, one
// per object path, in first-seen order.
func parseAssignments(args []string, required bool) ([]messages.UpdateObject, error) {
	var objs []messages.UpdateObject
	index := make(map[string]int)
	for _, arg := range args {
		path, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("assignment %q: missing '='", arg)
		}
		dot := strings.LastIndex(path, ".")
		if dot <= 0 || dot == len(path)-1 {
			return nil, fmt.Errorf("assignment %q: want OBJ.PARAM=VALUE", arg)
		}
		obj, param := path[:dot+1], path[dot+1:]

		i, seen := index[obj]
		if !seen {
			i = len(objs)
			index[obj] = i
			objs = append(objs, messages.UpdateObject{ObjPath: obj})
		}
		objs[i].ParamSettings = append(objs[i].ParamSettings, messages.ParamSetting{
			Param:    param,
			Value:    value,
			Required: required,
		})
	}
	return objs, nil
}

func printSetResp(w io.Writer, resp *messages.SetResp) {
	if resp == nil {
		return
	}
	for _, obj := range resp.UpdatedObjResults {
		if f := obj.OperStatus.Failure; f != nil {
			fmt.Fprintf(w, "%s: error %d: %s\n", obj.RequestedPath, f.ErrCode, f.ErrMsg)
			continue
		}
		if obj.OperStatus.Success == nil {
			continue
		}
		for _, inst := range obj.OperStatus.Success.UpdatedInstResults {
			names := make([]string, 0, len(inst.UpdatedParams))
			for name := range inst.UpdatedParams {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "%s%s = %s\n", inst.AffectedPath, name, inst.UpdatedParams[name])
			}
			for _, pe := range inst.ParamErrs {
				fmt.Fprintf(w, "%s%s: error %d: %s\n", inst.AffectedPath, pe.Param, pe.ErrCode, pe.ErrMsg)
			}
		}
	}
}
