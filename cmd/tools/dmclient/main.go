package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/dm-gateway/backend/internal/model/protocol"
	"github.com/zhouzirui/dm-gateway/backend/internal/service/upstream"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil {
		logger.Debug().Err(err).Msg("无法加载 .env，改用系统环境变量")
	}

	url := flag.String("url", "ws://localhost:8080/ws", "网关地址")
	token := flag.String("token", "", "Bearer 令牌")
	mint := flag.String("mint", "", "使用 JWT_SECRET_KEY 为该用户名签发临时令牌")
	to := flag.String("to", "", "私信接收方用户名，留空则只监听")
	content := flag.String("content", "", "私信内容")
	listen := flag.Duration("listen", 3*time.Second, "发送后继续监听的时长，0 表示直到中断")
	flag.Parse()

	credential, err := resolveToken(*token, *mint)
	if err != nil {
		logger.Fatal().Err(err).Msg("无法获取令牌")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, *url, header)
	if err != nil {
		if resp != nil {
			logger.Fatal().Err(err).Int("status", resp.StatusCode).Msg("连接失败")
		}
		logger.Fatal().Err(err).Msg("连接失败")
	}
	defer conn.Close()

	frames := make(chan protocol.Frame)
	go readFrames(conn, frames, logger)

	// 等待认证结果
	select {
	case frame, ok := <-frames:
		if !ok {
			os.Exit(1)
		}
		printFrame(frame)
		if frame.Type == protocol.FrameError {
			os.Exit(1)
		}
	case <-time.After(10 * time.Second):
		logger.Fatal().Msg("等待认证结果超时")
	}

	if *to != "" {
		msg := map[string]string{"type": string(protocol.KindDirectMessage), "to": *to, "content": *content}
		if err := conn.WriteJSON(msg); err != nil {
			logger.Fatal().Err(err).Msg("发送失败")
		}
	}

	var deadline <-chan time.Time
	if *listen > 0 {
		deadline = time.After(*listen)
	}

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			printFrame(frame)
		case <-deadline:
			closeGracefully(conn)
			return
		case <-ctx.Done():
			closeGracefully(conn)
			return
		}
	}
}

func resolveToken(token, mint string) (string, error) {
	if token != "" || mint == "" {
		return token, nil
	}

	secret := strings.TrimSpace(os.Getenv("JWT_SECRET_KEY"))
	if secret == "" {
		return "", errors.New("-mint requires JWT_SECRET_KEY")
	}
	verifier := upstream.NewJWTVerifier(secret, os.Getenv("JWT_ALGORITHM"))
	return verifier.Issue(mint, time.Hour)
}

func readFrames(conn *websocket.Conn, out chan<- protocol.Frame, logger zerolog.Logger) {
	defer close(out)
	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				logger.Info().Int("code", closeErr.Code).Str("reason", closeErr.Text).Msg("连接已关闭")
			} else {
				logger.Debug().Err(err).Msg("读取结束")
			}
			return
		}
		out <- frame
	}
}

func printFrame(frame protocol.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode frame: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func closeGracefully(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
