package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dormoron/aegis/consent"
)

var rightsCmd = &cobra.Command{
	Use:   "rights",
	Short: "记录和跟踪隐私权利请求",
}

var rightsRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "登记权利请求",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, err := app.currentUser(ctx, userFlag)
		if err != nil {
			return err
		}
		typ, _ := cmd.Flags().GetString("type")
		regulation, _ := cmd.Flags().GetString("regulation")
		req, err := app.ledger.LogRightsRequest(ctx, userID, typ, regulation)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "已登记请求 %s，%s规定在%s前答复\n",
			req.RequestID, req.Regulation, req.ResponseDeadline.Local().Format("2006-01-02"))
		return nil
	},
}

var rightsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出权利请求",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, err := app.currentUser(ctx, userFlag)
		if err != nil {
			return err
		}
		requests, err := app.ledger.GetRightsRequests(ctx, userID)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), requests)
		}
		if len(requests) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "没有权利请求")
			return nil
		}

		now := time.Now()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\t类型\t法规\t状态\t截止")
		for _, r := range requests {
			status := r.Status
			if r.Overdue(now) {
				status = consent.StatusOverdue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.RequestID, r.Type, r.Regulation, status,
				r.ResponseDeadline.Local().Format("2006-01-02"))
		}
		return w.Flush()
	},
}

var rightsCompleteCmd = &cobra.Command{
	Use:   "complete <request-id>",
	Short: "标记权利请求已完成",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, err := app.currentUser(ctx, userFlag)
		if err != nil {
			return err
		}
		req, err := app.ledger.CompleteRightsRequest(ctx, userID, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "请求 %s 已完成\n", req.RequestID)
		return nil
	},
}

func init() {
	rightsRequestCmd.Flags().String("type", consent.RequestAccess, "请求类型: access, erasure, rectification, portability, restriction, objection, opt_out, limit_use")
	rightsRequestCmd.Flags().String("regulation", consent.RegulationGDPR, "法规: GDPR, CCPA, CPRA")
	rightsListCmd.Flags().Bool("json", false, "以JSON输出")

	rightsCmd.AddCommand(rightsRequestCmd, rightsListCmd, rightsCompleteCmd)
	rootCmd.AddCommand(rightsCmd)
}
