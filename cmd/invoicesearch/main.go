// Package main is the invoicesearch command: a local, searchable copy of the
// qualified invoice issuer registry.
//
// Usage:
//
//	invoicesearch init                     build the dataset from the full dump
//	invoicesearch update [--force-full]    apply pending diffs
//	invoicesearch search <query> [flags]   search names and addresses
//	invoicesearch lookup <number>          show one registration
//	invoicesearch history <number>         show every stored revision
//	invoicesearch status                   show sync state
//	invoicesearch version                  print version
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
	"github.com/invoicesearchjp/invoicesearch/internal/upstream"
)

const (
	version = "0.1.0"
	appName = "invoicesearch"
)

// Exit codes.
const (
	exitOK             = 0
	exitFailure        = 1
	exitNotInitialized = 2
	exitUsage          = 64
	exitBusy           = 75
)

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitUsage
	}

	cmd, rest := args[0], args[1:]
	var handler func(context.Context, *app, []string, io.Writer, io.Writer) error
	switch cmd {
	case "init":
		handler = runInit
	case "update":
		handler = runUpdate
	case "search":
		handler = runSearch
	case "lookup":
		handler = runLookup
	case "history":
		handler = runHistory
	case "status":
		handler = runStatus
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "%s v%s\n", appName, version)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n\n", cmd)
		printUsage(stderr)
		return exitUsage
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "エラー: %v\n", err)
		return exitUsage
	}
	a, err := bootstrap(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "エラー: %v\n", err)
		return exitFailure
	}
	defer a.close()

	return report(stderr, handler(ctx, a, rest, stdout, stderr))
}

// report prints err for a human and maps it to an exit code.
func report(stderr io.Writer, err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		// The flag set or the command already printed the details.
		return exitUsage
	case errors.Is(err, invoice.ErrNotInitialized):
		fmt.Fprintln(stderr, "エラー: データが初期化されていません")
		fmt.Fprintf(stderr, "まず %s init を実行してください\n", appName)
		return exitNotInitialized
	case errors.Is(err, invoice.ErrInvalidQuery), errors.Is(err, invoice.ErrInvalidIdentifier):
		fmt.Fprintf(stderr, "エラー: %v\n", err)
		return exitUsage
	case errors.Is(err, invoice.ErrNotFound):
		fmt.Fprintf(stderr, "見つかりませんでした: %v\n", err)
		return exitFailure
	case errors.Is(err, invoice.ErrSyncInProgress):
		fmt.Fprintf(stderr, "エラー: 別のプロセスが同期中です: %v\n", err)
		return exitBusy
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(stderr, "中断しました")
		return exitFailure
	default:
		fmt.Fprintf(stderr, "エラー: %v\n", err)
		return exitFailure
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s v%s: 適格請求書発行事業者公表データのローカル検索

Usage:
  %s <command> [flags]

Commands:
  init                         データ初期化 (全件データを取得)
  update [--force-full]        差分データを適用
  search <事業者名|所在地>      名称・所在地で検索
      --page N                 ページ番号 (default 1)
      --limit N                表示件数 (default 20)
      --pref P                 都道府県 (コード "13" または "東京都")
      --all                    失効・取消・旧履歴も含める
      --format F               table|csv|json|xlsx (default table)
      --out PATH               出力先ファイル
  lookup <登録番号>             登録番号で検索 (T + 13桁、T は省略可)
  history <登録番号>            登録番号の全履歴
  status                       同期状態を表示
  version                      バージョン表示

Environment variables:
  INVOICESEARCH_DATA           データディレクトリ (default: ~/.local/share/invoice_search_jp)
  INVOICESEARCH_BASE_URL       公表サイト (default: %s)
  INVOICESEARCH_TIMEOUT        ダウンロードのタイムアウト (default: 120s)
  INVOICESEARCH_RETRIES        ダウンロードの再試行回数 (default: 3)
  INVOICESEARCH_FILE_IDS       全件データのファイル番号 (カンマ区切り)
  INVOICESEARCH_LOG_LEVEL      debug|info|warn|error (default: info)
  INVOICESEARCH_METRICS_FILE   Prometheus textfile の出力先

`, appName, version, appName, upstream.DefaultBaseURL)
}
