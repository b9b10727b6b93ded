package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"deploy-keeper/internal/config"
	"deploy-keeper/internal/env"
)

var (
	defaultLogger *Logger
)

// Logger 日志结构体
type Logger struct {
	debugLogger *log.Logger
	infoLogger  *log.Logger
	warnLogger  *log.Logger
	errorLogger *log.Logger
}

// LogLevel 日志级别类型
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// GetLogLevelFromString 将字符串转换为日志级别
func GetLogLevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn":
		return WARN
	case "error":
		return ERROR
	default:
		return WARN // 默认级别
	}
}

/**
 * Initialize logger from log configuration
 * @param {*config.LogConfig} cfg - Log configuration
 * @description
 * - "console" or empty path writes to stdout
 * - Falls back to stdout when the log file cannot be opened
 */
func InitLogger(cfg *config.LogConfig) {
	var output io.Writer = os.Stdout
	if cfg.Path != "console" && cfg.Path != "" {
		output = setupLogFileOutput(cfg.Path)
	}
	SetOutput(output, cfg.Level)
}

// InitLoggerWithMode 根据运行模式初始化日志系统
// isServerMode: true表示HTTP服务器模式，false表示CLI模式
func InitLoggerWithMode(cfg *config.LogConfig, isServerMode bool) {
	var output io.Writer

	if cfg.Path == "console" || cfg.Path == "" {
		// CLI模式默认写入keeper目录下的日志文件
		output = setupLogFileOutput(filepath.Join(env.KeeperDir, "logs", "deploy-keeper.log"))
	} else {
		output = setupLogFileOutput(cfg.Path)
	}

	// 如果是服务器模式，同时输出到控制台
	if isServerMode {
		output = io.MultiWriter(os.Stdout, output)
	}
	SetOutput(output, cfg.Level)
}

/**
 * Route all levels at or above the given level to output
 * @param {io.Writer} output - Destination writer
 * @param {string} level - debug/info/warn/error
 */
func SetOutput(output io.Writer, level string) {
	logLevel := GetLogLevelFromString(level)
	flags := log.LstdFlags | log.Lshortfile

	l := &Logger{
		debugLogger: log.New(io.Discard, "DEBUG: ", flags),
		infoLogger:  log.New(io.Discard, "INFO: ", flags),
		warnLogger:  log.New(io.Discard, "WARN: ", flags),
		errorLogger: log.New(io.Discard, "ERROR: ", flags),
	}
	if logLevel <= DEBUG {
		l.debugLogger.SetOutput(output)
	}
	if logLevel <= INFO {
		l.infoLogger.SetOutput(output)
	}
	if logLevel <= WARN {
		l.warnLogger.SetOutput(output)
	}
	if logLevel <= ERROR {
		l.errorLogger.SetOutput(output)
	}
	defaultLogger = l
}

// setupLogFileOutput 设置日志文件输出
func setupLogFileOutput(logPath string) io.Writer {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "创建日志目录失败: %v\n", err)
		return os.Stdout
	}

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		// 在日志系统初始化失败时，暂时使用标准错误输出
		fmt.Fprintf(os.Stderr, "打开日志文件失败: %v\n", err)
		return os.Stdout
	}
	return file
}

// Debug 输出调试日志
func Debug(v ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.debugLogger.Output(2, fmt.Sprintln(v...))
	}
}

// Debugf 输出格式化调试日志
func Debugf(format string, v ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.debugLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

// Info 输出信息日志
func Info(v ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.infoLogger.Output(2, fmt.Sprintln(v...))
	}
}

// Infof 输出格式化信息日志
func Infof(format string, v ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.infoLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

// Warn 输出警告日志
func Warn(v ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.warnLogger.Output(2, fmt.Sprintln(v...))
	}
}

// Warnf 输出格式化警告日志
func Warnf(format string, v ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.warnLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

// Error 输出错误日志
func Error(v ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.errorLogger.Output(2, fmt.Sprintln(v...))
	}
}

// Errorf 输出格式化错误日志
func Errorf(format string, v ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.errorLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

// Fatal 输出致命错误日志并退出程序
func Fatal(v ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.errorLogger.Output(2, fmt.Sprintln(v...))
	} else {
		fmt.Fprintln(os.Stderr, append([]interface{}{"FATAL:"}, v...)...)
	}
	os.Exit(1)
}

// Fatalf 输出格式化致命错误日志并退出程序
func Fatalf(format string, v ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.errorLogger.Output(2, fmt.Sprintf(format, v...))
	} else {
		fmt.Fprintf(os.Stderr, "FATAL: "+format+"\n", v...)
	}
	os.Exit(1)
}
