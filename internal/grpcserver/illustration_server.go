package grpcserver

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/models"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "picturebook.v1.IllustrationService"

// Full method names.
const (
	MethodResolveStyle       = "/" + ServiceName + "/ResolveStyle"
	MethodRenderIllustration = "/" + ServiceName + "/RenderIllustration"
	MethodRespond            = "/" + ServiceName + "/Respond"
)

// illustrationService is the subset of services.IllustrationService served over gRPC.
type illustrationService interface {
	ResolveStyle(ctx context.Context, bookTitle, storySummary string) (string, error)
	RenderIllustration(ctx context.Context, prompt string, size models.ImageSize) (*models.RenderedImage, error)
	Respond(ctx context.Context, message string, history []models.ChatTurn) (string, error)
}

// IllustrationServiceServer is the server API of picturebook.v1.IllustrationService.
// Requests and responses are google.protobuf.Struct with the same field names as the JSON API.
type IllustrationServiceServer interface {
	ResolveStyle(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RenderIllustration(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Respond(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// IllustrationServer implements IllustrationServiceServer on top of the illustration service.
type IllustrationServer struct {
	svc illustrationService
}

// NewIllustrationServer returns a new IllustrationServer.
func NewIllustrationServer(svc illustrationService) *IllustrationServer {
	return &IllustrationServer{svc: svc}
}

// RegisterIllustrationServiceServer registers srv on s.
func RegisterIllustrationServiceServer(s grpc.ServiceRegistrar, srv IllustrationServiceServer) {
	s.RegisterService(&illustrationServiceDesc, srv)
}

// ResolveStyle expects {bookTitle, userStory} and returns {refinedPrompt}.
func (s *IllustrationServer) ResolveStyle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	prompt, err := s.svc.ResolveStyle(ctx, stringField(req, "bookTitle"), stringField(req, "userStory"))
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{"refinedPrompt": prompt})
}

// RenderIllustration expects {refinedPrompt, size} and returns {mimeType, size, dispatchedSize}
// plus downloadUrl when a stored copy exists, otherwise imageUrl as a data URI.
func (s *IllustrationServer) RenderIllustration(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	size := models.ImageSize(stringField(req, "size"))
	if size != "" {
		parsed, err := models.ParseImageSize(string(size))
		if err != nil {
			return nil, toStatus(err)
		}
		size = parsed
	}
	img, err := s.svc.RenderIllustration(ctx, stringField(req, "refinedPrompt"), size)
	if err != nil {
		return nil, toStatus(err)
	}
	out := map[string]interface{}{
		"mimeType":       img.MimeType,
		"size":           string(img.Size),
		"dispatchedSize": img.DispatchedSize,
	}
	if img.DownloadURL != "" {
		out["downloadUrl"] = img.DownloadURL
	} else {
		out["imageUrl"] = img.DataURI()
	}
	return structpb.NewStruct(out)
}

// Respond expects {message, history: [{role, text}]} and returns {response}.
func (s *IllustrationServer) Respond(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var history []models.ChatTurn
	if list := req.GetFields()["history"].GetListValue(); list != nil {
		chat := models.ChatRequest{}
		for _, v := range list.GetValues() {
			item := v.GetStructValue()
			if item == nil {
				continue
			}
			chat.History = append(chat.History, models.ChatHistoryItem{
				Role: stringField(item, "role"),
				Text: stringField(item, "text"),
			})
		}
		history = chat.Turns()
	}
	reply, err := s.svc.Respond(ctx, stringField(req, "message"), history)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{"response": reply})
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// toStatus maps the error taxonomy onto gRPC codes.
func toStatus(err error) error {
	var code codes.Code
	switch models.ErrorKind(err) {
	case models.KindValidation:
		code = codes.InvalidArgument
	case models.KindConfiguration:
		code = codes.FailedPrecondition
	case models.KindTimeout:
		code = codes.DeadlineExceeded
	case models.KindCanceled:
		code = codes.Canceled
	default:
		code = codes.Unavailable
	}
	if code == codes.Unavailable {
		log.Warn().Err(err).Msg("gRPC call failed upstream")
	}
	return status.Error(code, err.Error())
}

type unaryMethod func(IllustrationServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// unaryHandler adapts a server method to grpc.MethodDesc.Handler.
func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(IllustrationServiceServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(server, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var illustrationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IllustrationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ResolveStyle", Handler: unaryHandler(MethodResolveStyle, IllustrationServiceServer.ResolveStyle)},
		{MethodName: "RenderIllustration", Handler: unaryHandler(MethodRenderIllustration, IllustrationServiceServer.RenderIllustration)},
		{MethodName: "Respond", Handler: unaryHandler(MethodRespond, IllustrationServiceServer.Respond)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "picturebook/v1/illustration.proto",
}
