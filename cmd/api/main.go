package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/karitas/backend/internal/config"
	"github.com/zhouzirui/karitas/backend/internal/handler"
	"github.com/zhouzirui/karitas/backend/internal/service/emitter"
	"github.com/zhouzirui/karitas/backend/internal/service/emotion"
	"github.com/zhouzirui/karitas/backend/internal/service/profile"
	"github.com/zhouzirui/karitas/backend/internal/service/session"
	"github.com/zhouzirui/karitas/backend/internal/service/speech"
	"github.com/zhouzirui/karitas/backend/internal/service/suggestion"
	"github.com/zhouzirui/karitas/backend/internal/service/transcription"
	"github.com/zhouzirui/karitas/backend/internal/service/vision"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Text generation
	var chatModel model.BaseChatModel
	var dispatcher *suggestion.Dispatcher
	if cfg.AI.Enabled() {
		chatModel, err = cfg.AI.NewChatModel(ctx, "")
		if err != nil {
			log.Printf("warning: failed to initialize chat model: %v", err)
		} else {
			dispatcher, err = suggestion.NewDispatcher(ctx, chatModel, suggestion.Config{
				MaxTokens:   cfg.Suggestion.MaxTokens,
				Temperature: cfg.Suggestion.Temperature,
				MaxTurns:    cfg.Suggestion.MaxTurns,
			})
			if err != nil {
				log.Printf("warning: failed to initialize suggestion dispatcher: %v", err)
				dispatcher = nil
			} else {
				log.Printf("AI service initialized (provider=%s)", cfg.AI.Provider)
			}
		}
	} else {
		log.Printf("AI 凭证未配置 (provider=%s)，建议功能不可用", cfg.AI.Provider)
	}

	videoSource, err := newVideoSource(cfg.Video)
	if err != nil {
		log.Fatalf("failed to configure video source: %v", err)
	}

	classifier := newClassifier(ctx, cfg)
	if closer, ok := classifier.(*emotion.WorkerClassifier); ok {
		defer closer.Close()
	}

	// Speech recognition
	var recognizer speech.Recognizer
	if cfg.Speech.Enabled() {
		recognizer, err = cfg.Speech.NewRecognizer()
		if err != nil {
			log.Printf("warning: failed to initialize speech recognizer: %v", err)
			recognizer = nil
		} else {
			log.Printf("Speech recognizer initialized (provider=%s)", cfg.Speech.Provider)
		}
	} else {
		log.Printf("语音识别未配置 (provider=%s)，转写功能不可用", cfg.Speech.Provider)
	}

	var microphone transcription.AudioSource
	if cfg.Speech.MicEnabled && recognizer != nil {
		microphone = transcription.NewPortAudioSource(speech.SampleRate)
	}

	deps := session.Dependencies{
		Video:      videoSource,
		Classifier: classifier,
		Audio:      microphone,
		Recognizer: recognizer,
		Dispatcher: dispatcher,
	}

	if cfg.Profile.File != "" {
		watcher, err := profile.NewWatcher(cfg.Profile.File)
		if err != nil {
			log.Printf("warning: failed to load child profile: %v", err)
		} else {
			if err := watcher.Start(ctx); err != nil {
				log.Printf("warning: profile file will not be reloaded: %v", err)
			}
			defer watcher.Stop()
			deps.Profiles = watcher
		}
	}

	controller, err := session.NewController(deps, session.Config{
		ReadBackoff:        cfg.Video.ReadBackoff,
		ExpressionInterval: cfg.Expression.Interval,
		FrameTick:          cfg.Video.FrameTick,
		Transcription: transcription.WorkerConfig{
			Calibration: cfg.Speech.Calibration,
			PhraseLimit: cfg.Speech.PhraseLimit,
		},
	})
	if err != nil {
		log.Fatalf("failed to create session controller: %v", err)
	}
	defer controller.Stop()

	if cfg.MQTT.Enabled() {
		mqttEmitter := emitter.NewMQTTEmitter(cfg.MQTT)
		if err := mqttEmitter.Connect(ctx); err != nil {
			log.Printf("warning: mqtt unavailable, events stay local: %v", err)
		} else {
			sub := controller.Subscribe(256)
			defer sub.Close()
			defer mqttEmitter.Disconnect()
			go mqttEmitter.Run(ctx, sub.Events())
		}
	}

	router := handler.NewRouter(controller)

	startServer(ctx, cfg.Server, router)
}

func newVideoSource(cfg config.VideoConfig) (vision.Source, error) {
	if cfg.Source == config.VideoSourceSynthetic {
		log.Printf("using synthetic video source %dx%d@%d", cfg.Width, cfg.Height, cfg.FPS)
		return vision.NewSyntheticSource(cfg.Width, cfg.Height, cfg.FPS), nil
	}

	source, err := vision.NewCommandSource(vision.CommandConfig{
		FFmpegPath: cfg.FFmpegPath,
		Input:      cfg.Source,
		Width:      cfg.Width,
		Height:     cfg.Height,
		FPS:        cfg.FPS,
	})
	if err != nil {
		return nil, err
	}
	return source, nil
}

// newClassifier 选择表情识别后端，不可用时返回 nil，表情保持 neutral。
func newClassifier(ctx context.Context, cfg *config.Config) emotion.Classifier {
	switch cfg.Expression.Classifier {
	case config.ClassifierNone:
		return nil
	case config.ClassifierModel:
		if !cfg.AI.Enabled() {
			log.Println("warning: EXPRESSION_CLASSIFIER=model requires AI credentials")
			return nil
		}
		visionModel, err := cfg.AI.NewChatModel(ctx, cfg.Expression.Model)
		if err != nil {
			log.Printf("warning: failed to initialize expression model: %v", err)
			return nil
		}
		classifier, err := emotion.NewModelClassifier(visionModel)
		if err != nil {
			log.Printf("warning: %v", err)
			return nil
		}
		return classifier
	default:
		if len(cfg.Expression.WorkerCommand) == 0 {
			log.Println("FER_WORKER_COMMAND 未配置，表情识别不可用")
			return nil
		}
		classifier, err := emotion.NewWorkerClassifier(cfg.Expression.WorkerCommand, 0)
		if err != nil {
			log.Printf("warning: failed to configure expression worker: %v", err)
			return nil
		}
		return classifier
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Karitas backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
