// Command aegis 登录、会话和隐私同意管理命令行工具
package main

import (
	"os"
)

// version 构建时通过ldflags注入
var version = "dev"

func main() {
	if err := Execute(); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
