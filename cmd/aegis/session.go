package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dormoron/aegis/internal/errs"
	"github.com/dormoron/aegis/mfa"
	"github.com/dormoron/aegis/vault"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "登录，需要二次验证时提示输入验证码",
	Long: `登录并保存会话。需要二次验证时进入交互提示:
  输入6位验证码完成验证
  resend          重新获取验证码
  backup <code>   使用备用码
  cancel          放弃登录`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "清除本机会话",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.vault.ClearSession(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "已退出登录")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "显示当前会话",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		session, err := app.vault.GetSession(ctx)
		if err != nil {
			return err
		}
		if session == nil {
			fmt.Fprintln(out, "未登录")
			return nil
		}
		fmt.Fprintf(out, "%s <%s> (%s)\n", session.User.Name, session.User.Email, session.User.ID)
		if info, ok := vault.InspectToken(session.Token); ok && !info.ExpiresAt.IsZero() {
			fmt.Fprintf(out, "令牌有效期至 %s\n", info.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
		}
		if !app.vault.IsSecureStorageAvailable(ctx) {
			fmt.Fprintln(out, "警告: 安全存储不可用，会话以明文保存")
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "迁移旧版本保存的会话",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := app.migrator.MigrateLegacyToVault(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		switch {
		case res.Migrated:
			fmt.Fprintf(out, "已迁移旧会话 (存储层: %s)\n", res.Tier)
		case res.Discarded:
			fmt.Fprintln(out, "旧会话数据无效，已删除")
		default:
			fmt.Fprintln(out, "没有需要迁移的数据")
		}
		return nil
	},
}

var mfaCmd = &cobra.Command{
	Use:   "mfa",
	Short: "管理二次验证",
}

var mfaEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "开启二次验证并生成备用码",
	RunE: func(cmd *cobra.Command, args []string) error {
		codes, err := app.coordinator.EnableMFA(cmd.Context())
		if err != nil {
			return err
		}
		printBackupCodes(cmd.OutOrStdout(), codes)
		return nil
	},
}

var mfaDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "关闭二次验证",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.coordinator.DisableMFA(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "二次验证已关闭，备用码已失效")
		return nil
	},
}

var mfaRegenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "重新生成备用码",
	RunE: func(cmd *cobra.Command, args []string) error {
		codes, err := app.coordinator.RegenerateBackupCodes(cmd.Context())
		if err != nil {
			return err
		}
		printBackupCodes(cmd.OutOrStdout(), codes)
		return nil
	},
}

var mfaCodesCmd = &cobra.Command{
	Use:   "codes",
	Short: "显示本机保存的未使用备用码",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, err := app.currentUser(ctx, userFlag)
		if err != nil {
			return err
		}
		codes, err := app.coordinator.BackupCodes(ctx, userID)
		if err != nil {
			return err
		}
		printBackupCodes(cmd.OutOrStdout(), codes)
		return nil
	},
}

func init() {
	loginCmd.Flags().String("email", "", "邮箱")
	loginCmd.Flags().String("password", "", "密码，未指定时从标准输入读取")

	mfaCmd.AddCommand(mfaEnableCmd, mfaDisableCmd, mfaRegenerateCmd, mfaCodesCmd)
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd, migrateCmd, mfaCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")
	var err error
	if email == "" {
		if email, err = prompt(out, "邮箱: "); err != nil {
			return err
		}
	}
	if password == "" {
		if password, err = prompt(out, "密码: "); err != nil {
			return err
		}
	}

	res, err := app.coordinator.Login(ctx, email, password)
	if err != nil {
		return err
	}
	if !res.MFARequired() {
		fmt.Fprintf(out, "登录成功: %s\n", res.Session.User.Email)
		return nil
	}

	ch := res.Challenge
	fmt.Fprintf(out, "验证码已发送至 %s，%s前有效，可尝试%d次\n",
		ch.Email, ch.CodeExpiresAt.Local().Format("15:04:05"), ch.AttemptsRemaining)
	return challengeLoop(ctx, out, ch.UserID, ch.Email)
}

// challengeLoop 读取用户输入直到验证完成或取消
func challengeLoop(ctx context.Context, out io.Writer, userID, email string) error {
	for {
		line, err := prompt(out, "验证码> ")
		if err != nil {
			app.coordinator.Cancel(userID)
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "cancel":
			app.coordinator.Cancel(userID)
			fmt.Fprintln(out, "已取消登录")
			return nil

		case "resend":
			ch, err := app.coordinator.ResendCode(ctx, email)
			if err != nil {
				if !errs.UserVisible(err) {
					return err
				}
				fmt.Fprintln(out, describe(err))
				continue
			}
			fmt.Fprintf(out, "新的验证码已发送，%s前有效\n", ch.CodeExpiresAt.Local().Format("15:04:05"))

		case "backup":
			if len(fields) < 2 {
				fmt.Fprintln(out, "用法: backup <备用码>")
				continue
			}
			res, err := app.coordinator.VerifyBackupCode(ctx, userID, fields[1])
			if err != nil {
				if !errs.UserVisible(err) {
					return err
				}
				fmt.Fprintln(out, describe(err))
				continue
			}
			fmt.Fprintf(out, "登录成功: %s，剩余备用码%d个\n", res.Session.User.Email, res.Remaining)
			if res.Remaining == 0 {
				fmt.Fprintln(out, "备用码已用完，请执行 aegis mfa regenerate")
			}
			return nil

		default:
			session, err := app.coordinator.VerifyCode(ctx, userID, fields[0])
			if err != nil {
				if errors.Is(err, mfa.ErrOperationInFlight) || !errs.UserVisible(err) {
					return err
				}
				fmt.Fprintln(out, describe(err))
				if errs.IsLockout(err) {
					fmt.Fprintln(out, "可输入 resend 重新获取验证码，或 backup <code> 使用备用码")
				}
				continue
			}
			fmt.Fprintf(out, "登录成功: %s\n", session.User.Email)
			return nil
		}
	}
}

func prompt(out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := app.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func printBackupCodes(out io.Writer, codes []string) {
	if len(codes) == 0 {
		fmt.Fprintln(out, "没有可用的备用码")
		return
	}
	fmt.Fprintln(out, "备用码 (每个只能使用一次，请妥善保存):")
	for _, c := range codes {
		fmt.Fprintf(out, "  %s\n", c)
	}
}
