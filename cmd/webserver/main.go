package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	webserver "github.com/daBinLaoShi/WebServer"
	"github.com/daBinLaoShi/WebServer/internal/logging"
)

func main() {
	defaults := webserver.DefaultParams()
	var (
		port      = flag.Int("port", defaults.Port, "Listen port (1024-65535)")
		trigMode  = flag.Int("trig", defaults.TrigMode, "Trigger mode: 0=LT/LT 1=LT/ET 2=ET/LT 3=ET/ET")
		timeoutMS = flag.Int("timeout", int(defaults.Timeout/time.Millisecond), "Idle connection timeout in ms (0 disables)")
		linger    = flag.Bool("linger", defaults.EnableLinger, "Enable SO_LINGER graceful close")

		sqlHost = flag.String("sql-host", defaults.SqlHost, "MySQL host")
		sqlPort = flag.Int("sql-port", defaults.SqlPort, "MySQL port")
		sqlUser = flag.String("sql-user", defaults.SqlUser, "MySQL user")
		sqlPwd  = flag.String("sql-pwd", defaults.SqlPassword, "MySQL password")
		sqlDB   = flag.String("sql-db", defaults.SqlDBName, "MySQL database")

		connPool = flag.Int("conn-pool", defaults.ConnPoolNum, "SQL connection pool size")
		workers  = flag.Int("workers", defaults.WorkerNum, "Worker pool size")

		openLog  = flag.Bool("log", defaults.OpenLog, "Enable logging")
		logLevel = flag.Int("log-level", int(defaults.LogLevel), "Log level: 0=debug 1=info 2=warn 3=error")
		logQueue = flag.Int("log-queue", defaults.LogQueueSize, "Async log queue capacity (0 = synchronous)")

		srcDir = flag.String("root", "", "Document root (default <cwd>/resources)")
	)
	flag.Parse()

	params := webserver.Params{
		Port:         *port,
		TrigMode:     *trigMode,
		Timeout:      time.Duration(*timeoutMS) * time.Millisecond,
		EnableLinger: *linger,
		SqlHost:      *sqlHost,
		SqlPort:      *sqlPort,
		SqlUser:      *sqlUser,
		SqlPassword:  *sqlPwd,
		SqlDBName:    *sqlDB,
		ConnPoolNum:  *connPool,
		WorkerNum:    *workers,
		MaxClients:   defaults.MaxClients,
		OpenLog:      *openLog,
		LogLevel:     logging.LogLevel(*logLevel),
		LogQueueSize: *logQueue,
		SrcDir:       *srcDir,
	}

	server, err := webserver.New(params, nil)
	if err != nil {
		log.Fatalf("server init: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		server.Shutdown()
	}()

	server.Start()
	os.Exit(0)
}
