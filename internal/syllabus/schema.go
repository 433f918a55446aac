package syllabus

const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["subjects"],
  "properties": {
    "subjects": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/definitions/subject"}
    }
  },
  "definitions": {
    "subject": {
      "type": "object",
      "required": ["name", "chapters"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "color": {"type": "string", "pattern": "^#[0-9a-fA-F]{6}$"},
        "chapters": {"type": "array", "items": {"$ref": "#/definitions/chapter"}}
      }
    },
    "chapter": {
      "type": "object",
      "required": ["name", "topics"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "topics": {"type": "array", "items": {"$ref": "#/definitions/topic"}}
      }
    },
    "topic": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "content": {"type": "string"},
        "status": {"enum": ["pending", "strong", "needs_revision", "weak", "in_progress", "completed"]},
        "confidence": {"enum": ["", "high", "medium", "low"]}
      }
    }
  }
}`
