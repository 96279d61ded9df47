package models

import "fmt"

// COCOClasses are the class names of models trained on the COCO dataset, in
// model output order.
var COCOClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}

var classIndex = func() map[string]int {
	m := make(map[string]int, len(COCOClasses))
	for i, name := range COCOClasses {
		m[name] = i
	}
	return m
}()

// ClassName returns the COCO name of id, or "class_<id>" when unknown.
func ClassName(id int) string {
	if id >= 0 && id < len(COCOClasses) {
		return COCOClasses[id]
	}
	return fmt.Sprintf("class_%d", id)
}

// ClassID returns the COCO index of name, or -1.
func ClassID(name string) int {
	if id, ok := classIndex[name]; ok {
		return id
	}
	return -1
}
