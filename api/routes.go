package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"bulk-task-dispatcher/internal/common"
	"bulk-task-dispatcher/internal/service"
)

// TaskService is what the HTTP layer needs from the service
type TaskService interface {
	CreateTask(ctx context.Context, in service.CreateTaskInput) (service.CreateResult, error)
	GetTask(ctx context.Context, ownerID, id string) (common.Task, error)
	ListTasks(ctx context.Context, ownerID string) ([]common.Task, error)
	LatestTask(ctx context.Context, ownerID string) (common.Task, error)
	Stats(ctx context.Context, ownerID string) (service.Stats, error)
}

// Options configures optional parts of the router
type Options struct {
	JWTSecret []byte
	MediaDir  string // served under /media when set
}

// Server holds the HTTP routes of the service
type Server struct {
	tasks  TaskService
	router *gin.Engine
}

// NewServer creates the router and registers every route
func NewServer(tasks TaskService, opts Options) *Server {
	router := gin.Default()
	router.MaxMultipartMemory = 8 << 20

	s := &Server{
		tasks:  tasks,
		router: router,
	}
	s.setupRoutes(opts)
	return s
}

// Handler exposes the router for an http.Server
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(opts Options) {
	// Health Check
	s.router.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"status": "OK",
		})
	})

	if opts.MediaDir != "" {
		s.router.Static("/media", opts.MediaDir)
	}

	api := s.router.Group("/api", AuthMiddleware(opts.JWTSecret))
	{
		api.POST("/tasks", s.createTask)       // Create and dispatch a task
		api.GET("/tasks", s.listTasks)         // List the caller's tasks
		api.GET("/tasks/latest", s.latestTask) // Most recent task
		api.GET("/tasks/:id", s.getTask)       // Get task details
		api.GET("/stats", s.stats)             // Task counters
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}

type createTaskRequest struct {
	Content  string   `json:"content"`
	Numbers  []string `json:"numbers"`
	AIRevise *bool    `json:"ai_revise"`
}

// createTask handles the creation of a new task
// Request: multipart form ("content", "numbers", optional "file" and "ai_revise")
// or a JSON body with the same fields minus the file.
// Response: 201 with the task, whether or not the dispatch succeeded.
func (s *Server) createTask(c *gin.Context) {
	in, cleanup, err := bindCreateTask(c)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in.OwnerID = currentUserID(c)

	res, err := s.tasks.CreateTask(c.Request.Context(), in)
	if err != nil {
		var missing *service.MissingFieldsError
		switch {
		case errors.As(err, &missing):
			c.JSON(http.StatusBadRequest, gin.H{"error": missing.Error(), "fields": missing.Fields})
		case errors.Is(err, service.ErrInvalidInput),
			errors.Is(err, service.ErrMediaRejected),
			errors.Is(err, service.ErrMediaDisabled):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrMediaUpload):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "attachment upload failed"})
		default:
			log.Printf("API: create task failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	body := gin.H{
		"message":    "task created",
		"task":       res.Task,
		"dispatched": res.Dispatched,
	}
	if res.DispatchErr != nil {
		body["message"] = "task created, but the execution platform was not notified"
		body["dispatchError"] = res.DispatchErr.Error()
	}
	c.JSON(http.StatusCreated, body)
}

// bindCreateTask reads a creation request from either a form or JSON body.
// cleanup closes an uploaded file, if any.
func bindCreateTask(c *gin.Context) (service.CreateTaskInput, func(), error) {
	var in service.CreateTaskInput

	if c.ContentType() == gin.MIMEJSON {
		var req createTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return in, nil, err
		}
		in.Content = req.Content
		in.Numbers = req.Numbers
		if req.AIRevise != nil {
			in.Options = common.Options{common.OptionAIRevise: *req.AIRevise}
		}
		return in, nil, nil
	}

	in.Content = c.PostForm("content")
	numbers, err := parseNumbers(c.PostFormArray("numbers"))
	if err != nil {
		return in, nil, err
	}
	in.Numbers = numbers

	if raw, ok := c.GetPostForm(common.OptionAIRevise); ok && raw != "" {
		aiRevise, err := strconv.ParseBool(raw)
		if err != nil {
			return in, nil, errors.New("ai_revise must be a boolean")
		}
		in.Options = common.Options{common.OptionAIRevise: aiRevise}
	}

	header, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return in, nil, nil
	}
	if err != nil {
		return in, nil, err
	}
	f, err := header.Open()
	if err != nil {
		return in, nil, err
	}
	in.File = uploadFromHeader(header, f)
	return in, func() { f.Close() }, nil
}

func uploadFromHeader(header *multipart.FileHeader, f multipart.File) *service.Upload {
	return &service.Upload{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        f,
	}
}

// parseNumbers accepts a JSON array, repeated form fields, or a comma
// separated list
func parseNumbers(values []string) ([]string, error) {
	if len(values) == 1 {
		v := strings.TrimSpace(values[0])
		if strings.HasPrefix(v, "[") {
			var numbers []string
			if err := json.Unmarshal([]byte(v), &numbers); err != nil {
				return nil, errors.New("numbers must be a JSON array of strings")
			}
			return numbers, nil
		}
		return strings.Split(v, ","), nil
	}
	return values, nil
}

// getTask retrieves a task by its ID
func (s *Server) getTask(c *gin.Context) {
	task, err := s.tasks.GetTask(c.Request.Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		s.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// listTasks returns the caller's tasks, newest first
func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.tasks.ListTasks(c.Request.Context(), currentUserID(c))
	if err != nil {
		log.Printf("API: list tasks failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed getting tasks"})
		return
	}
	if tasks == nil {
		tasks = []common.Task{}
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) latestTask(c *gin.Context) {
	task, err := s.tasks.LatestTask(c.Request.Context(), currentUserID(c))
	if err != nil {
		s.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) stats(c *gin.Context) {
	stats, err := s.tasks.Stats(c.Request.Context(), currentUserID(c))
	if err != nil {
		log.Printf("API: stats failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed getting stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": service.ErrNotFound.Error()})
		return
	}
	log.Printf("API: task lookup failed: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed getting task"})
}
