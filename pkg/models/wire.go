package models

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Wire names of the inference service
const (
	InferenceService = "facegate.inference.v1.Inference"
	detectMethod     = "/" + InferenceService + "/Detect"
)

// detectRequest is the decoded form of a Detect call
type detectRequest struct {
	Image    []byte
	Format   string
	Width    int
	Height   int
	MinScore float32
}

func encodeDetectRequest(req detectRequest) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"image":     req.Image, // base64 encoded by structpb
		"format":    req.Format,
		"width":     req.Width,
		"height":    req.Height,
		"min_score": req.MinScore,
	})
}

func decodeDetectRequest(s *structpb.Struct) (detectRequest, error) {
	var req detectRequest
	fields := s.GetFields()

	raw := fields["image"].GetStringValue()
	if raw == "" {
		return req, fmt.Errorf("request has no image")
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return req, fmt.Errorf("invalid image payload: %w", err)
	}

	req.Image = data
	req.Format = fields["format"].GetStringValue()
	req.Width = int(fields["width"].GetNumberValue())
	req.Height = int(fields["height"].GetNumberValue())
	req.MinScore = float32(fields["min_score"].GetNumberValue())
	return req, nil
}

func encodeDetections(detections []Detection) (*structpb.Struct, error) {
	list := make([]any, 0, len(detections))
	for _, d := range detections {
		descriptor := make([]any, len(d.Descriptor))
		for i, v := range d.Descriptor {
			descriptor[i] = float64(v)
		}

		landmarks := make([]any, len(d.Landmarks))
		for i, lm := range d.Landmarks {
			landmarks[i] = []any{float64(lm[0]), float64(lm[1])}
		}

		list = append(list, map[string]any{
			"box": map[string]any{
				"x":      d.Box.X,
				"y":      d.Box.Y,
				"width":  d.Box.Width,
				"height": d.Box.Height,
			},
			"score":      float64(d.Score),
			"descriptor": descriptor,
			"landmarks":  landmarks,
		})
	}

	return structpb.NewStruct(map[string]any{"detections": list})
}

func decodeDetections(s *structpb.Struct) ([]Detection, error) {
	values := s.GetFields()["detections"].GetListValue().GetValues()
	detections := make([]Detection, 0, len(values))

	for i, v := range values {
		face := v.GetStructValue()
		if face == nil {
			return nil, fmt.Errorf("detection %d is not an object", i)
		}
		fields := face.GetFields()

		box := fields["box"].GetStructValue()
		if box == nil {
			return nil, fmt.Errorf("detection %d has no box", i)
		}
		bf := box.GetFields()

		rawDescriptor := fields["descriptor"].GetListValue().GetValues()
		if len(rawDescriptor) == 0 {
			return nil, fmt.Errorf("detection %d has no descriptor", i)
		}
		descriptor := make(Descriptor, len(rawDescriptor))
		for j, x := range rawDescriptor {
			descriptor[j] = float32(x.GetNumberValue())
		}

		var landmarks [][2]float32
		for _, lm := range fields["landmarks"].GetListValue().GetValues() {
			pt := lm.GetListValue().GetValues()
			if len(pt) != 2 {
				continue
			}
			landmarks = append(landmarks, [2]float32{
				float32(pt[0].GetNumberValue()),
				float32(pt[1].GetNumberValue()),
			})
		}

		detections = append(detections, Detection{
			Box: Box{
				X:      bf["x"].GetNumberValue(),
				Y:      bf["y"].GetNumberValue(),
				Width:  bf["width"].GetNumberValue(),
				Height: bf["height"].GetNumberValue(),
			},
			Score:      float32(fields["score"].GetNumberValue()),
			Descriptor: descriptor,
			Landmarks:  landmarks,
		})
	}

	return detections, nil
}
