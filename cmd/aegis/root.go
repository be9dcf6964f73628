package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dormoron/aegis/config"
	"github.com/dormoron/aegis/internal/errs"
)

var (
	cfgFile   string
	assumeYes bool
	userFlag  string
	app       *App
)

var rootCmd = &cobra.Command{
	Use:   "aegis",
	Short: "登录、二次验证和隐私同意管理",
	Long: `aegis 管理本机的登录会话、二次验证和隐私同意记录。

示例:
  aegis login --email user@example.com   # 登录，需要时提示输入验证码
  aegis whoami                           # 查看当前会话
  aegis consent grant analytics          # 同意统计分析
  aegis consent do-not-sell              # 执行CCPA退出`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		app, err = newApp(cfg, cmd.InOrStdin(), cmd.ErrOrStderr(), assumeYes)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if app == nil {
			return nil
		}
		return app.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

// Execute 执行根命令
func Execute() error {
	err := rootCmd.Execute()
	if err != nil && app != nil {
		_ = app.Close()
	}
	return describe(err)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件 (默认 .aegis.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "自动允许访问安全存储")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "指定用户ID，默认使用当前会话")

	rootCmd.AddCommand(versionCmd)
}

// describe 为认证错误补充剩余次数
func describe(err error) error {
	if err == nil || !errs.UserVisible(err) {
		return err
	}
	if n, ok := errs.AttemptsRemaining(err); ok && errs.IsAuth(err) {
		return fmt.Errorf("%w (剩余%d次)", err, n)
	}
	return err
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
