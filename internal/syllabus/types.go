// Package syllabus decodes structured syllabus documents into subjects,
// chapters and topics ready for import.
package syllabus

import "github.com/p-n-ai/pai-planner/internal/study"

// Document is one syllabus file.
type Document struct {
	Subjects []Subject `yaml:"subjects" json:"subjects"`
}

// Subject is a subject block in a syllabus document.
type Subject struct {
	Name     string    `yaml:"name" json:"name"`
	Color    string    `yaml:"color,omitempty" json:"color,omitempty"`
	Chapters []Chapter `yaml:"chapters" json:"chapters"`
}

// Chapter is a chapter block; its topics are in study order.
type Chapter struct {
	Name   string  `yaml:"name" json:"name"`
	Topics []Topic `yaml:"topics" json:"topics"`
}

// Topic is a single topic. Status and confidence are optional and let a
// document carry progress from another planner.
type Topic struct {
	Name       string           `yaml:"name" json:"name"`
	Content    string           `yaml:"content,omitempty" json:"content,omitempty"`
	Status     study.Status     `yaml:"status,omitempty" json:"status,omitempty"`
	Confidence study.Confidence `yaml:"confidence,omitempty" json:"confidence,omitempty"`
}

// TopicCount returns the number of topics across all subjects.
func (d Document) TopicCount() int {
	n := 0
	for _, s := range d.Subjects {
		for _, c := range s.Chapters {
			n += len(c.Topics)
		}
	}
	return n
}
