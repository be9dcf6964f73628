package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dormoron/aegis/consent"
)

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "管理数据处理同意",
}

var consentStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "显示各目的的同意状态",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, err := app.currentUser(ctx, userFlag)
		if err != nil {
			return err
		}
		rec, err := app.ledger.GetConsentStatus(ctx, userID)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), rec)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "目的\t名称\t状态\t方式")
		for _, p := range app.ledger.Purposes() {
			d := rec.Purposes[p.ID]
			state := "拒绝"
			if d.Granted {
				state = "同意"
			}
			if p.Required {
				state += " (必要)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, state, d.Method)
		}
		return w.Flush()
	},
}

var consentGrantCmd = &cobra.Command{
	Use:   "grant <purpose>...",
	Short: "同意指定目的",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setConsent(cmd, args, true)
	},
}

var consentDenyCmd = &cobra.Command{
	Use:   "deny <purpose>...",
	Short: "拒绝指定目的",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setConsent(cmd, args, false)
	},
}

var consentRevokeCmd = &cobra.Command{
	Use:   "revoke <purpose>...",
	Short: "撤回指定目的的同意",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, err := app.currentUser(ctx, userFlag)
		if err != nil {
			return err
		}
		if _, err = app.ledger.RevokeConsent(ctx, userID, args...); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "已撤回同意")
		return nil
	},
}

var consentHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "显示同意变更记录",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, err := app.currentUser(ctx, userFlag)
		if err != nil {
			return err
		}
		history, err := app.ledger.GetConsentHistory(ctx, userID)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), history)
		}
		out := cmd.OutOrStdout()
		if len(history) == 0 {
			fmt.Fprintln(out, "没有变更记录")
			return nil
		}
		for _, h := range history {
			changes := make([]string, 0, len(h.Changes))
			for _, c := range h.Changes {
				changes = append(changes, fmt.Sprintf("%s: %t→%t", c.Purpose, c.From, c.To))
			}
			fmt.Fprintf(out, "%s  %-12s %s\n", h.Timestamp.Local().Format("2006-01-02 15:04:05"), h.Method, strings.Join(changes, ", "))
		}
		return nil
	},
}

var consentRenewalCmd = &cobra.Command{
	Use:   "renewal",
	Short: "检查是否需要重新确认同意",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, err := app.currentUser(ctx, userFlag)
		if err != nil {
			return err
		}
		renew, err := app.ledger.RequiresConsentRenewal(ctx, userID)
		if err != nil {
			return err
		}
		if renew {
			fmt.Fprintf(cmd.OutOrStdout(), "条款已更新到%s，需要重新确认同意\n", app.ledger.SchemaVersion())
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "同意记录是最新的")
		}
		return nil
	},
}

var consentReportCmd = &cobra.Command{
	Use:   "report",
	Short: "生成合规报告",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, err := app.currentUser(ctx, userFlag)
		if err != nil {
			return err
		}
		report, err := app.ledger.GenerateComplianceReport(ctx, userID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

var doNotSellCmd = &cobra.Command{
	Use:   "do-not-sell",
	Short: "CCPA: 不出售我的个人信息",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, err := app.currentUser(ctx, userFlag)
		if err != nil {
			return err
		}
		req, err := app.ledger.DoNotSellMyData(ctx, userID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "已退出数据出售，请求 %s 截止 %s\n",
			req.RequestID, req.ResponseDeadline.Local().Format("2006-01-02"))
		return nil
	},
}

var consentExportCmd = &cobra.Command{
	Use:   "export",
	Short: "导出本机保存的同意数据",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, err := app.currentUser(ctx, userFlag)
		if err != nil {
			return err
		}
		data, err := app.ledger.ExportUserData(ctx, userID)
		if err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		}
		return os.WriteFile(output, data, 0o600)
	},
}

var consentEraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "删除本机保存的同意数据",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, err := app.currentUser(ctx, userFlag)
		if err != nil {
			return err
		}
		if err = app.ledger.EraseUserData(ctx, userID); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "同意数据已删除")
		return nil
	},
}

func init() {
	consentStatusCmd.Flags().Bool("json", false, "以JSON输出")
	consentHistoryCmd.Flags().Bool("json", false, "以JSON输出")
	consentExportCmd.Flags().StringP("output", "o", "", "写入文件")

	consentCmd.AddCommand(
		consentStatusCmd,
		consentGrantCmd,
		consentDenyCmd,
		consentRevokeCmd,
		consentHistoryCmd,
		consentRenewalCmd,
		consentReportCmd,
		doNotSellCmd,
		consentExportCmd,
		consentEraseCmd,
	)
	rootCmd.AddCommand(consentCmd)
}

func setConsent(cmd *cobra.Command, purposes []string, granted bool) error {
	ctx := cmd.Context()
	userID, err := app.currentUser(ctx, userFlag)
	if err != nil {
		return err
	}
	changes := make(map[string]bool, len(purposes))
	for _, p := range purposes {
		changes[p] = granted
	}
	rec, err := app.ledger.RequestConsent(ctx, userID, changes, consent.MethodExplicit)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "已更新 (条款版本 %s)\n", rec.Version)
	return nil
}
