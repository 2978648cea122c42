package worker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/acme/expediente/internal/events"
	"github.com/acme/expediente/model"
)

// Job types of the recepcion-documento process.
const (
	JobEmail                  = "email"
	JobCheckVirus             = "checkvirus"
	JobNotifyVirus            = "notifyvirus"
	JobNotifyNotApprovedAdmin = "notifynotapprovedadmin"
	JobNotifyApproved         = "notifyapproved"
	JobNotifyNotApprovedLegal = "notifynotapprovedlegal"
)

// ErrCodeVirus is caught by the virus boundary event of the process.
const ErrCodeVirus = "archivo-virus-error"

const signature = " Atte. La Dirección"

// Documents is the part of the document repository the handlers need.
type Documents interface {
	FileName(ctx context.Context, id string) (string, error)
	Delete(ctx context.Context, id string) error
	Move(ctx context.Context, fileID, persona string, approved, previo bool) (string, error)
}

// Reception implements the service tasks of document reception: virus check,
// filing of approved or rejected documents and notification of the result.
type Reception struct {
	docs      Documents
	publisher model.EventPublisher
	factory   events.Factory
	markers   []string
	logger    *zap.Logger
}

// NewReception creates the handlers. A file whose name contains any of
// quarantineMarkers is treated as infected.
func NewReception(docs Documents, publisher model.EventPublisher, factory events.Factory, quarantineMarkers []string, logger *zap.Logger) *Reception {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reception{
		docs:      docs,
		publisher: publisher,
		factory:   factory,
		markers:   quarantineMarkers,
		logger:    logger,
	}
}

// Register adds every reception handler to reg.
func (rc *Reception) Register(reg *Registry) {
	reg.Register(JobEmail, HandlerFunc(rc.email))
	reg.Register(JobCheckVirus, HandlerFunc(rc.checkVirus))
	reg.Register(JobNotifyVirus, HandlerFunc(rc.notifyVirus))
	reg.Register(JobNotifyNotApprovedAdmin, HandlerFunc(rc.notifyNotApprovedAdmin))
	reg.Register(JobNotifyApproved, HandlerFunc(rc.notifyApproved))
	reg.Register(JobNotifyNotApprovedLegal, HandlerFunc(rc.notifyNotApprovedLegal))
}

func (rc *Reception) email(_ context.Context, job Job) (map[string]any, error) {
	content, _ := stringVar(job.Variables, "message_content")
	rc.logger.Info("first revision email", zap.String("message_content", content))
	return map[string]any{"message_content": content + signature}, nil
}

func (rc *Reception) checkVirus(ctx context.Context, job Job) (map[string]any, error) {
	fileID, err := requiredString(job.Variables, "fileId")
	if err != nil {
		return nil, err
	}

	fileName, err := rc.docs.FileName(ctx, fileID)
	if err != nil {
		rc.logger.Error("document could not be read", zap.String("file_id", fileID), zap.Error(err))
		return nil, NewBPMNError(ErrCodeVirus, fmt.Sprintf("El archivo %s NO se pudo leer correctamente", fileID))
	}
	for _, m := range rc.markers {
		if m != "" && strings.Contains(fileName, m) {
			return nil, NewBPMNError(ErrCodeVirus, fmt.Sprintf("El archivo %s tiene virus", fileID))
		}
	}
	return map[string]any{"fileId": fileID}, nil
}

func (rc *Reception) notifyVirus(ctx context.Context, job Job) (map[string]any, error) {
	fileID, err := requiredString(job.Variables, "fileId")
	if err != nil {
		return nil, err
	}
	username, _ := stringVar(job.Variables, "username")

	rc.logger.Warn("infected document discarded", zap.String("file_id", fileID))
	if err := rc.docs.Delete(ctx, fileID); err != nil {
		return nil, fmt.Errorf("delete %s: %w", fileID, err)
	}
	rc.notify(ctx, username, fmt.Sprintf("Archivo %s con virus no se almacenó en el expediente", fileID))
	return nil, nil
}

func (rc *Reception) notifyNotApprovedAdmin(ctx context.Context, job Job) (map[string]any, error) {
	fileID, err := requiredString(job.Variables, "fileId")
	if err != nil {
		return nil, err
	}
	username, _ := stringVar(job.Variables, "username")
	comments, _ := stringVar(job.Variables, "comments_admin")

	id, err := rc.docs.Move(ctx, fileID, "", false, false)
	if err != nil {
		return nil, fmt.Errorf("move %s: %w", fileID, err)
	}
	rc.notify(ctx, username, fmt.Sprintf("Archivo %s NO aprobado por Administración:'%s'", fileID, comments))
	return map[string]any{"fileId": id}, nil
}

func (rc *Reception) notifyApproved(ctx context.Context, job Job) (map[string]any, error) {
	fileID, err := requiredString(job.Variables, "fileId")
	if err != nil {
		return nil, err
	}
	persona, err := requiredString(job.Variables, "persona")
	if err != nil {
		return nil, err
	}
	username, _ := stringVar(job.Variables, "username")
	commentsAdmin, _ := stringVar(job.Variables, "comments_admin")
	commentsLegal, hasLegal := stringVar(job.Variables, "comments_legal")
	previoLegal, _ := stringVar(job.Variables, "previo_legal")
	previo, _ := strconv.ParseBool(previoLegal)

	id, err := rc.docs.Move(ctx, fileID, persona, true, previo)
	if err != nil {
		return nil, fmt.Errorf("move %s: %w", fileID, err)
	}

	msg := fmt.Sprintf("Archivo %s 'aprobado' comentarios:'%s'", fileID, commentsAdmin)
	if hasLegal {
		msg += fmt.Sprintf(" y de legal:%s", commentsLegal)
	}
	rc.notify(ctx, username, msg)
	return map[string]any{"fileId": id}, nil
}

func (rc *Reception) notifyNotApprovedLegal(ctx context.Context, job Job) (map[string]any, error) {
	fileID, err := requiredString(job.Variables, "fileId")
	if err != nil {
		return nil, err
	}
	username, _ := stringVar(job.Variables, "username")
	comments, _ := stringVar(job.Variables, "comments_legal")

	if _, err := rc.docs.Move(ctx, fileID, "", false, false); err != nil {
		return nil, fmt.Errorf("move %s: %w", fileID, err)
	}
	rc.notify(ctx, username, fmt.Sprintf("Archivo %s 'NO aprobado' por legal, los comentarios son:%s", fileID, comments))
	return nil, nil
}

// notify publishes a notification for username. The document has already
// been filed, so a publish failure is only logged.
func (rc *Reception) notify(ctx context.Context, username, message string) {
	ev := rc.factory.New(ctx, model.EventNotification, map[string]any{"mensaje": message})
	ev.Username = username
	if err := rc.publisher.Publish(ctx, ev); err != nil {
		rc.logger.Error("notification publish failed",
			zap.String("event_id", ev.ID),
			zap.String("username", username),
			zap.Error(err),
		)
	}
}

// stringVar returns vars[key] as a string. ok is false when the key is
// missing or null.
func stringVar(vars map[string]any, key string) (string, bool) {
	v, ok := vars[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	default:
		return fmt.Sprint(v), true
	}
}

func requiredString(vars map[string]any, key string) (string, error) {
	s, ok := stringVar(vars, key)
	if !ok || s == "" {
		return "", fmt.Errorf("variable %q is required", key)
	}
	return s, nil
}
