package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/karitas/backend/internal/config"
	"github.com/zhouzirui/karitas/backend/internal/model/transcript"
	"github.com/zhouzirui/karitas/backend/internal/service/speech"
	"github.com/zhouzirui/karitas/backend/internal/service/transcription"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	mode := flag.String("mode", "", "测试模式: file 或 mic")
	audioPath := flag.String("audio", "", "file 模式下的 WAV 文件路径 (16kHz/16bit/mono)")
	provider := flag.String("provider", "", "识别后端 whisper 或 volcengine，默认使用配置")
	phrases := flag.Int("phrases", 3, "mic 模式下识别的句子数")
	timeout := flag.Duration("timeout", 45*time.Second, "单次请求超时时间")

	flag.Parse()

	if *mode != "file" && *mode != "mic" {
		flag.Usage()
		log.Fatal("请通过 -mode=file 或 -mode=mic 指定测试模式")
	}

	speechCfg := cfg.Speech
	if *provider != "" {
		speechCfg.Provider = *provider
	}
	recognizer, err := speechCfg.NewRecognizer()
	if err != nil {
		log.Fatalf("识别后端不可用: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "file":
		runFile(ctx, recognizer, *audioPath, *timeout)
	case "mic":
		runMic(ctx, recognizer, speechCfg, *phrases, *timeout)
	}
}

func runFile(ctx context.Context, recognizer speech.Recognizer, audioPath string, timeout time.Duration) {
	if audioPath == "" {
		log.Fatal("file 模式需要通过 -audio 指定音频文件路径")
	}

	file, err := os.Open(audioPath)
	if err != nil {
		log.Fatalf("打开音频文件失败: %v", err)
	}
	defer file.Close()

	samples, rate, err := speech.DecodeWAV(file)
	if err != nil {
		log.Fatalf("解析 WAV 失败: %v", err)
	}
	if rate != speech.SampleRate {
		log.Printf("[WARN] 采样率 %d 与期望的 %d 不一致", rate, speech.SampleRate)
	}

	wav, err := speech.EncodeWAV(samples)
	if err != nil {
		log.Fatalf("重新编码 WAV 失败: %v", err)
	}

	log.Printf("开始识别: file=%s samples=%d", audioPath, len(samples))
	recognize(ctx, recognizer, wav, timeout)
}

func runMic(ctx context.Context, recognizer speech.Recognizer, cfg config.SpeechConfig, phrases int, timeout time.Duration) {
	source := transcription.NewPortAudioSource(speech.SampleRate)
	if err := source.Open(ctx); err != nil {
		log.Fatalf("麦克风不可用: %v", err)
	}
	defer source.Close()

	listener := transcription.NewListener(source)
	log.Printf("校准环境噪声 %s ...", cfg.Calibration)
	if err := listener.Calibrate(ctx, cfg.Calibration); err != nil {
		log.Fatalf("校准失败: %v", err)
	}
	log.Printf("能量阈值 %.0f，请开始说话", listener.Threshold())

	for done := 0; done < phrases && ctx.Err() == nil; {
		samples, err := listener.Listen(ctx, 5*time.Second, cfg.PhraseLimit)
		if errors.Is(err, transcription.ErrWaitTimeout) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Fatalf("录音失败: %v", err)
		}

		wav, err := speech.EncodeWAV(samples)
		if err != nil {
			log.Fatalf("编码失败: %v", err)
		}
		recognize(ctx, recognizer, wav, timeout)
		done++
	}
}

func recognize(ctx context.Context, recognizer speech.Recognizer, wav []byte, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	text, err := recognizer.Recognize(ctx, wav)
	switch {
	case errors.Is(err, speech.ErrUnintelligible):
		log.Printf("未识别出内容 (%s)", time.Since(started))
	case err != nil:
		log.Printf("识别失败: %v", err)
	default:
		log.Printf("识别成功 (%s): %s", time.Since(started), transcript.NewEntry(time.Now(), text))
	}
}
